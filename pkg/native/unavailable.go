package native

import "context"

// Unavailable адаптер для платформы без нативного интерфейса звонков.
// Все вызовы возвращают ErrNativeUnavailable, события не приходят.
type Unavailable struct {
	ch chan Event
}

// NewUnavailable создает адаптер-заглушку
func NewUnavailable() *Unavailable {
	return &Unavailable{ch: make(chan Event)}
}

func (u *Unavailable) ReportIncoming(context.Context, string, string) (Token, error) {
	return "", ErrNativeUnavailable
}

func (u *Unavailable) ReportOutgoing(context.Context, string) (Token, error) {
	return "", ErrNativeUnavailable
}

func (u *Unavailable) ReportConnecting(context.Context, Token) error      { return ErrNativeUnavailable }
func (u *Unavailable) ReportConnected(context.Context, Token, bool) error { return ErrNativeUnavailable }
func (u *Unavailable) ReportEnded(context.Context, Token) error           { return ErrNativeUnavailable }
func (u *Unavailable) SetMuted(context.Context, Token, bool) error        { return ErrNativeUnavailable }
func (u *Unavailable) SetHeld(context.Context, Token, bool) error         { return ErrNativeUnavailable }
func (u *Unavailable) Dismiss(context.Context, Token) error               { return ErrNativeUnavailable }
func (u *Unavailable) Events() <-chan Event                               { return u.ch }
func (u *Unavailable) ManagesAudioRoute() bool                            { return false }
