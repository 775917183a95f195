// Command moviepass клиент сессии и подписки для ручной проверки:
//
//	moviepass [flags] status|login|register|logout|plans|subscribe <planID>|cancel|refresh|favorites
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/magabrotheeeer/moviepass/internal/app/client"
	"github.com/magabrotheeeer/moviepass/internal/config"
	"github.com/magabrotheeeer/moviepass/internal/facade"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
	"github.com/magabrotheeeer/moviepass/internal/models"
)

var errUsage = errors.New("usage: moviepass [flags] status|login|register|logout|plans|subscribe <planID>|cancel|refresh|favorites")

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to yaml config")
	email := flag.String("email", "", "account email for login/register")
	passwordFlag := flag.String("password", os.Getenv("MOVIEPASS_PASSWORD"), "account password for login/register")
	card := flag.String("card", "", "card number for paid plans; asked interactively when empty")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "config path is not set: use -config or CONFIG_PATH")
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read config: %s\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := client.New(ctx, cfg, cardSource(*card), logger)
	if err != nil {
		logger.Error("failed to initialize app", sl.Err(err))
		os.Exit(1)
	}

	err = run(ctx, app.Facade, flag.Args(), models.Credentials{Email: *email, Password: *passwordFlag})
	if cerr := app.Close(); cerr != nil {
		logger.Warn("failed to close app", sl.Err(cerr))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func cardSource(number string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		if number != "" {
			return number, nil
		}
		fmt.Print("Card number (empty to cancel): ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", nil
		}
		return strings.TrimSpace(line), nil
	}
}

func run(ctx context.Context, f *facade.Facade, args []string, creds models.Credentials) error {
	if len(args) == 0 {
		return errUsage
	}
	st := f.Start(ctx)

	switch args[0] {
	case "status":
		fmt.Println(st)
		if !st.EntitlementKnown && st.Authenticated() {
			fmt.Println(st.SubscriptionOp.Message)
		}
		return nil
	case "login":
		if err := f.SignIn(ctx, creds); err != nil {
			return errors.New(f.State().AuthOp.Message)
		}
		fmt.Println(f.State())
		return nil
	case "register":
		if err := f.SignUp(ctx, creds); err != nil {
			return errors.New(f.State().AuthOp.Message)
		}
		fmt.Println(f.State())
		return nil
	case "logout":
		f.SignOut(ctx)
		fmt.Println("Signed out.")
		return nil
	case "plans":
		plans, err := f.Plans(ctx)
		if err != nil {
			return err
		}
		for _, p := range plans {
			fmt.Printf("%-10s %-12s %6.2f %s/%s\n", p.ID, p.Name, p.Price, p.Currency, p.Interval)
		}
		return nil
	case "subscribe":
		if len(args) < 2 {
			return errUsage
		}
		return subscribe(ctx, f, args[1])
	case "cancel":
		if err := f.CancelSubscription(ctx); err != nil {
			return err
		}
		fmt.Println(f.State().SubscriptionOp.Message)
		return nil
	case "refresh":
		if _, err := f.RefreshSubscription(ctx); err != nil {
			return err
		}
		fmt.Println(f.State())
		return nil
	case "favorites":
		movies, err := f.Favorites(ctx)
		if err != nil {
			return err
		}
		for _, m := range movies {
			fmt.Printf("%d\t%s\n", m.ID, m.Title)
		}
		return nil
	default:
		return errUsage
	}
}

func subscribe(ctx context.Context, f *facade.Facade, planID string) error {
	a, err := f.Purchase(ctx, planID)
	if err != nil {
		if msg := f.State().PaymentOp.Message; msg != "" {
			return errors.New(msg)
		}
		return err
	}
	if a == nil {
		fmt.Println(f.State().PaymentOp.Message)
		return nil
	}
	defer a.Cancel()

	select {
	case res, ok := <-a.Done():
		if !ok {
			return context.Canceled
		}
		fmt.Println(res.Message())
		if res.Payment != nil {
			return res.Payment
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
