package calendar

import (
	"fmt"
	"sort"
	"time"

	"quoteflow/config"
	"quoteflow/logger"
)

const dateLayout = "2006-01-02"

// maxCalendarScan bounds trading-day walks; covers more than a year of
// consecutive non-trading days.
const maxCalendarScan = 370

// Calendar answers trading-session questions for configured markets. All
// returned times are anchored in the market's own timezone.
type Calendar interface {
	// IsTradingDay reports whether the given date is a session day for the
	// market (not a weekend, not a configured holiday).
	IsTradingDay(market string, date time.Time) bool
	// SessionBounds returns the open and close instants of the market's
	// session on the given date, whether or not that date is a trading day.
	SessionBounds(market string, date time.Time) (open, close time.Time)
	// NextTradingDay returns the first trading day strictly after date.
	NextTradingDay(market string, date time.Time) time.Time
	// InSession reports whether now falls inside the market's session.
	InSession(market string, now time.Time) bool
	// LatestCompleted returns the most recent trading day whose session
	// close has already passed at now.
	LatestCompleted(market string, now time.Time) time.Time
	// TradingDate returns the session date that data fetched at now
	// belongs to: today once the session has opened, otherwise the latest
	// completed session day.
	TradingDate(market string, now time.Time) time.Time
}

type marketSchedule struct {
	loc      *time.Location
	openMin  int
	closeMin int
	holidays map[string]struct{}
}

// TradingCalendar is the configuration driven Calendar used by the daemon.
type TradingCalendar struct {
	markets map[string]*marketSchedule
	log     *logger.Log
}

func NewTradingCalendar(cfg *config.Config) (*TradingCalendar, error) {
	log := logger.GetLogger()

	markets := make(map[string]*marketSchedule, len(cfg.Markets))
	for name, mc := range cfg.Markets {
		loc, err := time.LoadLocation(mc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("market %s: load timezone '%s': %w", name, mc.Timezone, err)
		}
		openMin, err := parseClock(mc.SessionOpen)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", name, err)
		}
		closeMin, err := parseClock(mc.SessionClose)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", name, err)
		}

		holidays := make(map[string]struct{}, len(mc.Holidays))
		for _, h := range mc.Holidays {
			holidays[h] = struct{}{}
		}

		markets[name] = &marketSchedule{
			loc:      loc,
			openMin:  openMin,
			closeMin: closeMin,
			holidays: holidays,
		}
	}

	names := make([]string, 0, len(markets))
	for name := range markets {
		names = append(names, name)
	}
	sort.Strings(names)

	log.WithComponent("calendar").WithFields(logger.Fields{
		"markets": names,
	}).Info("trading calendar initialized")

	return &TradingCalendar{markets: markets, log: log}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse session time '%s': %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Unknown markets yield zero values. Symbol routing validates market names
// at startup, so a miss here is a programmer error, not an input error.
func (c *TradingCalendar) schedule(market string) *marketSchedule {
	return c.markets[market]
}

func (c *TradingCalendar) IsTradingDay(market string, date time.Time) bool {
	s := c.schedule(market)
	if s == nil {
		return false
	}
	return s.isTradingDay(date)
}

func (c *TradingCalendar) SessionBounds(market string, date time.Time) (time.Time, time.Time) {
	s := c.schedule(market)
	if s == nil {
		return time.Time{}, time.Time{}
	}
	anchor := s.dayAnchor(date)
	return anchor.Add(time.Duration(s.openMin) * time.Minute),
		anchor.Add(time.Duration(s.closeMin) * time.Minute)
}

func (c *TradingCalendar) NextTradingDay(market string, date time.Time) time.Time {
	s := c.schedule(market)
	if s == nil {
		return time.Time{}
	}
	d := s.dayAnchor(date).AddDate(0, 0, 1)
	for i := 0; i < maxCalendarScan; i++ {
		if s.isTradingDay(d) {
			break
		}
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func (c *TradingCalendar) InSession(market string, now time.Time) bool {
	s := c.schedule(market)
	if s == nil {
		return false
	}
	if !s.isTradingDay(now) {
		return false
	}
	lt := now.In(s.loc)
	anchor := s.dayAnchor(lt)
	openAt := anchor.Add(time.Duration(s.openMin) * time.Minute)
	closeAt := anchor.Add(time.Duration(s.closeMin) * time.Minute)
	return !lt.Before(openAt) && lt.Before(closeAt)
}

func (c *TradingCalendar) LatestCompleted(market string, now time.Time) time.Time {
	s := c.schedule(market)
	if s == nil {
		return time.Time{}
	}
	lt := now.In(s.loc)
	d := s.dayAnchor(lt)
	if s.isTradingDay(d) {
		closeAt := d.Add(time.Duration(s.closeMin) * time.Minute)
		if !lt.Before(closeAt) {
			return d
		}
	}
	d = d.AddDate(0, 0, -1)
	for i := 0; i < maxCalendarScan; i++ {
		if s.isTradingDay(d) {
			break
		}
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func (c *TradingCalendar) TradingDate(market string, now time.Time) time.Time {
	s := c.schedule(market)
	if s == nil {
		return time.Time{}
	}
	lt := now.In(s.loc)
	d := s.dayAnchor(lt)
	if s.isTradingDay(d) {
		openAt := d.Add(time.Duration(s.openMin) * time.Minute)
		if !lt.Before(openAt) {
			return d
		}
	}
	return c.LatestCompleted(market, now)
}

func (s *marketSchedule) dayAnchor(t time.Time) time.Time {
	lt := t.In(s.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, s.loc)
}

func (s *marketSchedule) isTradingDay(date time.Time) bool {
	lt := date.In(s.loc)
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := s.holidays[lt.Format(dateLayout)]
	return !holiday
}
