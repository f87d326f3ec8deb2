package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/phone"
	"github.com/arzzra/callcore/pkg/sipua"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		callerID string
		hide     bool
		record   bool
	)
	cmd := &cobra.Command{
		Use:   "call <number>",
		Short: "Позвонить на номер",
		Long: `Регистрирует аккаунт, звонит на номер и ждет завершения разговора.
Во время звонка: q положить трубку, m микрофон, h удержание, цифры отправляются тонами.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.startRuntime(ctx, cmd.OutOrStdout(), runtimeOptions{record: record})
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.waitRegistered(ctx); err != nil {
				return err
			}

			opts := callerIDFromSettings(rt.st.settings.Current())
			if cmd.Flags().Changed("caller-id") {
				opts.CallerID = callerID
			}
			if cmd.Flags().Changed("hide-caller-id") {
				opts.HideCallerID = hide
			}
			if err := rt.ctrl.PlaceOutgoingCall(ctx, args[0], opts); err != nil {
				return err
			}
			rt.con.printf("Вызов %s, q чтобы положить трубку\n", phone.Format(args[0]))
			return rt.waitCall(ctx, cmd)
		},
	}
	cmd.Flags().StringVar(&callerID, "caller-id", "", "номер для Caller ID вместо настроек")
	cmd.Flags().BoolVar(&hide, "hide-caller-id", false, "скрыть Caller ID")
	cmd.Flags().BoolVar(&record, "record", false, "записать разговор")
	return cmd
}

// waitCall обрабатывает ввод до завершения звонка. Прерывание кладет трубку.
func (rt *runtime) waitCall(ctx context.Context, cmd *cobra.Command) error {
	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case e := <-rt.ended:
			rt.printEnded(e)
			return nil
		case <-ctx.Done():
			return rt.hangupAndWait()
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := rt.handleInput(ctx, line); err != nil {
				rt.con.printf("%v\n", err)
			}
		}
	}
}

func (rt *runtime) hangupAndWait() error {
	ctx, cancel := context.WithTimeout(context.Background(), rt.a.cfg.Call.FinalizeTimeout)
	defer cancel()
	if err := rt.ctrl.Hangup(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		rt.log.Warn(ctx, "завершение звонка", logger.Err(err))
	}
	select {
	case e := <-rt.ended:
		rt.printEnded(e)
		return nil
	case <-ctx.Done():
		return errors.New("звонок не завершился вовремя")
	}
}

func newListenCmd(a *app) *cobra.Command {
	var record bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Ждать входящих звонков",
		Long: `Регистрирует аккаунт и принимает входящие звонки до прерывания.
a ответить, d отклонить, q положить трубку, m микрофон, h удержание.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.startRuntime(ctx, cmd.OutOrStdout(), runtimeOptions{record: record})
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.waitRegistered(ctx); err != nil {
				return err
			}
			rt.con.printf("Ожидание звонков, Ctrl+C для выхода\n")

			lines := readLines(cmd.InOrStdin())
			for {
				select {
				case e := <-rt.ended:
					rt.printEnded(e)
				case <-ctx.Done():
					if rt.ctrl.Snapshot().Phase.Active() {
						return rt.hangupAndWait()
					}
					return nil
				case line, ok := <-lines:
					if !ok {
						lines = nil
						continue
					}
					if err := rt.handleInput(ctx, line); err != nil {
						rt.con.printf("%v\n", err)
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "записывать разговоры")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Зарегистрировать аккаунт и показать результат",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.stores()
			if err != nil {
				return err
			}
			settings, err := st.settings.Load(ctx)
			if err != nil {
				return err
			}
			ac := a.cfg.AgentConfig(a.log)
			if ac.Username == "" {
				ac.Username, ac.Password = settings.Username, settings.Password
			}
			ua, err := sipua.New(ac)
			if err != nil {
				return err
			}
			defer ua.Close()

			listenCtx, stop := context.WithCancel(ctx)
			defer stop()
			logger.SafeGo(a.log, "sip-listen", func() {
				if err := ua.Listen(listenCtx); err != nil && !errors.Is(err, context.Canceled) {
					a.log.Error(listenCtx, "SIP сервер", logger.Err(err))
				}
			})

			regCtx, cancel := context.WithTimeout(ctx, registerWait)
			defer cancel()
			expiry, err := ua.Register(regCtx)
			if err != nil {
				return fmt.Errorf("регистрация %s@%s: %w", ac.Username, ac.Domain, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Зарегистрирован %s@%s на %s\n", ac.Username, ac.Domain, expiry.Round(time.Second))
			if keep {
				return nil
			}

			unregCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			if err := ua.Unregister(unregCtx); err != nil {
				return fmt.Errorf("снятие регистрации: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Регистрация снята")
			return nil
		},
	}
	cmd.Flags().BoolVar(&keep, "keep", false, "не снимать регистрацию после проверки")
	return cmd
}

