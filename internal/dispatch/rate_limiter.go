// Package dispatch claims queued emails and delivers them through the
// mailbox transports, under channel and mailbox pacing and retry rules.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reachforge/outreach/internal/pkg/logger"
	"github.com/reachforge/outreach/internal/store"
)

// Pace bounds a send cadence over three windows. The daily ceiling is a
// safety net behind the DB counter.
type Pace struct {
	PerSecond int
	PerMinute int
	PerDay    int
}

// DefaultPace keeps any single mailbox under one send per second
// sustained.
var DefaultPace = Pace{PerSecond: 1, PerMinute: 10, PerDay: 2000}

// DefaultChannelPace is the aggregate ceiling every mailbox on one
// delivery channel shares. Sized for an SES account in full production
// mode or a mid-tier SMTP relay.
var DefaultChannelPace = Pace{PerSecond: 14, PerMinute: 600, PerDay: 50000}

// Wait classification returned on a denied check.
const (
	denySecond = 1
	denyMinute = 2
	denyDay    = 3
)

// ChannelFor names the delivery channel a mailbox sends through. SES
// mailboxes share the account-wide quota; SMTP mailboxes share the
// relay host they are configured against.
func ChannelFor(m *store.Mailbox) string {
	if m.Provider == "smtp" && m.SMTPHost != "" {
		return "smtp:" + m.SMTPHost
	}
	return m.Provider
}

// The check and the increment have to be one atomic step: a GET, compare
// and INCR sequence lets two workers both pass the same last slot. Both
// tiers and all their windows are checked before any counter moves, so a
// denial never burns budget on either tier.
const paceLuaScript = `
local n = tonumber(ARGV[1])

for i = 0, 1 do
    for w = 1, 3 do
        local count = tonumber(redis.call("GET", KEYS[i*3 + w]) or "0")
        if count + n > tonumber(ARGV[1 + i*3 + w]) then
            return {0, w, i}
        end
    end
end

local ttl = {2, 120, 90000}
for i = 0, 1 do
    for w = 1, 3 do
        if redis.call("INCRBY", KEYS[i*3 + w], n) == n then
            redis.call("EXPIRE", KEYS[i*3 + w], ttl[w])
        end
    end
end

return {1, 0, 0}
`

// RateLimiter paces sends with atomic Redis counters on two tiers: an
// aggregate budget per delivery channel, shared by every mailbox that
// sends through it, and a per-mailbox cadence underneath. A nil client
// disables pacing (single-node deployments lean on the DB daily counter
// alone).
type RateLimiter struct {
	redis    *redis.Client
	mailbox  Pace
	channel  Pace
	channels map[string]Pace
	script   *redis.Script
	now      func() time.Time
}

// NewRateLimiter builds a limiter with a per-mailbox pace and a shared
// per-channel ceiling. Zero fields fall back to DefaultPace and
// DefaultChannelPace respectively.
func NewRateLimiter(client *redis.Client, mailboxPace, channelPace Pace) *RateLimiter {
	if mailboxPace.PerSecond <= 0 {
		mailboxPace.PerSecond = DefaultPace.PerSecond
	}
	if mailboxPace.PerMinute <= 0 {
		mailboxPace.PerMinute = DefaultPace.PerMinute
	}
	if mailboxPace.PerDay <= 0 {
		mailboxPace.PerDay = DefaultPace.PerDay
	}
	if channelPace.PerSecond <= 0 {
		channelPace.PerSecond = DefaultChannelPace.PerSecond
	}
	if channelPace.PerMinute <= 0 {
		channelPace.PerMinute = DefaultChannelPace.PerMinute
	}
	if channelPace.PerDay <= 0 {
		channelPace.PerDay = DefaultChannelPace.PerDay
	}
	return &RateLimiter{
		redis:    client,
		mailbox:  mailboxPace,
		channel:  channelPace,
		channels: make(map[string]Pace),
		script:   redis.NewScript(paceLuaScript),
		now:      time.Now,
	}
}

// SetChannelPace overrides the aggregate ceiling for one channel. Zero
// fields inherit the default channel pace. Not safe to call once the
// pool is running.
func (r *RateLimiter) SetChannelPace(channel string, pace Pace) {
	if pace.PerSecond <= 0 {
		pace.PerSecond = DefaultChannelPace.PerSecond
	}
	if pace.PerMinute <= 0 {
		pace.PerMinute = DefaultChannelPace.PerMinute
	}
	if pace.PerDay <= 0 {
		pace.PerDay = DefaultChannelPace.PerDay
	}
	r.channels[channel] = pace
}

func (r *RateLimiter) paceFor(channel string) Pace {
	if p, ok := r.channels[channel]; ok {
		return p
	}
	return r.channel
}

// Allow atomically reserves one send slot on both the channel and the
// mailbox tier. When denied it returns how long to hold the email
// before trying again.
func (r *RateLimiter) Allow(ctx context.Context, channel string, mailboxID uuid.UUID) (bool, time.Duration, error) {
	if r.redis == nil {
		return true, 0, nil
	}

	now := r.now()
	sec := now.Unix()
	min := now.Unix() / 60
	day := now.Format("2006-01-02")

	keys := []string{
		fmt.Sprintf("outreach:pace:ch:%s:sec:%d", channel, sec),
		fmt.Sprintf("outreach:pace:ch:%s:min:%d", channel, min),
		fmt.Sprintf("outreach:pace:ch:%s:day:%s", channel, day),
		fmt.Sprintf("outreach:pace:mb:%s:sec:%d", mailboxID, sec),
		fmt.Sprintf("outreach:pace:mb:%s:min:%d", mailboxID, min),
		fmt.Sprintf("outreach:pace:mb:%s:day:%s", mailboxID, day),
	}
	chPace := r.paceFor(channel)

	result, err := r.script.Run(ctx, r.redis, keys,
		1,
		chPace.PerSecond, chPace.PerMinute, chPace.PerDay,
		r.mailbox.PerSecond, r.mailbox.PerMinute, r.mailbox.PerDay,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("pace check: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}

	switch result[1].(int64) {
	case denySecond:
		return false, time.Second, nil
	case denyMinute:
		return false, time.Duration(60-now.Second())*time.Second + time.Second, nil
	case denyDay:
		if result[2].(int64) == 0 {
			logger.Warn("channel pace daily ceiling hit", "channel", channel)
		} else {
			logger.Warn("mailbox pace daily ceiling hit", "mailbox", mailboxID.String())
		}
		return false, r.untilTomorrow(now), nil
	default:
		return false, time.Minute, nil
	}
}

func (r *RateLimiter) untilTomorrow(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}
