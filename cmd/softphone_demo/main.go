// Демонстрационный софтфон: мост sipbridge + ядро softphone.
// Набирает цель, печатает состояние линий и присутствия, завершает
// вызов по Ctrl+C.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arzzra/phone_core/pkg/sipbridge"
	"github.com/arzzra/phone_core/pkg/softphone"
)

func main() {
	var (
		user    = flag.String("user", "alice", "Локальный пользователь")
		host    = flag.String("host", "127.0.0.1", "Адрес для прослушивания")
		port    = flag.Int("port", 5060, "Порт для прослушивания")
		domain  = flag.String("domain", "127.0.0.1:5061", "Домен/адрес АТС")
		target  = flag.String("target", "", "Номер для исходящего вызова")
		blf     = flag.String("blf", "", "Наблюдаемые номера через запятую")
		verbose = flag.Bool("v", false, "Подробное логирование")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, err := sipbridge.New(sipbridge.Config{
		UserAgent: "phone_core_demo/1.0",
		User:      *user,
		Host:      *host,
		Port:      *port,
		Domain:    *domain,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка создания моста: %v\n", err)
		os.Exit(1)
	}
	defer bridge.Close()

	phone, err := softphone.New(softphone.Config{
		Signaler: bridge,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка создания ядра: %v\n", err)
		os.Exit(1)
	}

	phone.OnTransferOutcome(func(ev softphone.TransferOutcomeEvent) {
		fmt.Printf("Перевод %s: success=%v reason=%q\n", ev.Mode, ev.Success, ev.Reason)
	})

	bridge.Start(ctx)
	go phone.Run(ctx, bridge.Events())

	if *blf != "" {
		exts := strings.Split(*blf, ",")
		phone.RecomputePresence(ctx, exts, true)
	}

	if *target != "" {
		s, err := phone.Dial(ctx, *target, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Набор отклонён: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Набор %s на линии %d (сессия %s)\n", *target, s.Line, s.ID)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			for _, ln := range phone.Lines() {
				marker := " "
				if ln.Number == phone.SelectedLine() {
					marker = "*"
				}
				fmt.Printf("%s линия %d: %-8s %s %s\n",
					marker, ln.Number, ln.State, ln.Caller.Number, ln.Caller.Name)
			}
			for ext, st := range phone.Presence() {
				fmt.Printf("  BLF %s: %s\n", ext, st)
			}
		case <-sigCh:
			fmt.Println("Завершение...")
			if s, ok := phone.CurrentSession(); ok {
				_ = phone.Hangup(ctx, s.ID)
			}
			cancel()
			time.Sleep(200 * time.Millisecond)
			return
		}
	}
}
