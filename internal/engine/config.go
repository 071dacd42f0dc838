package engine

import (
	"time"

	"pacebot/internal/dispatch"
	"pacebot/internal/keylock"
	"pacebot/internal/pacing"
)

const (
	ChannelInvites  = "invites"
	ChannelMessages = "group-messages"

	KindInvite  = "invite"
	KindMessage = "message"

	DefaultRetryMax   = 3
	DefaultRetryDelay = time.Second
)

type Pacing struct {
	Curve         pacing.Curve
	MinGap        time.Duration
	CountFailures bool
}

type Config struct {
	Invite  Pacing
	Message Pacing

	LockTTL time.Duration

	// RetryMax is the total number of send attempts per unit.
	RetryMax      int
	RetryDelay    time.Duration
	ActionTimeout time.Duration
}

// DefaultConfig returns the stock curves and limits.
func DefaultConfig() Config {
	return Config{
		Invite:        Pacing{Curve: pacing.InviteCurve(), MinGap: dispatch.DefaultMinGap},
		Message:       Pacing{Curve: pacing.MessageCurve(), MinGap: dispatch.DefaultMinGap},
		LockTTL:       keylock.DefaultTTL,
		RetryMax:      DefaultRetryMax,
		RetryDelay:    DefaultRetryDelay,
		ActionTimeout: dispatch.DefaultActionTimeout,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Invite.Curve == (pacing.Curve{}) {
		c.Invite.Curve = d.Invite.Curve
	}
	if c.Message.Curve == (pacing.Curve{}) {
		c.Message.Curve = d.Message.Curve
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	return c
}

func (c Config) settings(p Pacing) dispatch.Settings {
	return dispatch.Settings{
		Curve:         p.Curve,
		MinGap:        p.MinGap,
		CountFailures: p.CountFailures,
		ActionTimeout: c.ActionTimeout,
	}
}
