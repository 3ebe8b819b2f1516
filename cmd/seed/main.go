package main

import (
	"context"
	"errors"
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/config"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/logger"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
	"github.com/xtrntr/spotexchange/migrations"
)

const demoPassword = "password"

var symbols = []struct{ code, name string }{
	{"BTC", "Bitcoin"},
	{"ETH", "Ethereum"},
}

var traders = []struct {
	username string
	balance  string
	btc      string
	eth      string
}{
	{"trader1", "50000", "2", "20"},
	{"trader2", "150000", "0", "5"},
}

// Seed the database with symbols, funded demo traders and a small order book
func main() {
	configFile := flag.String("config", "", "path to config file (default config/exchange.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg, _, closeLog, err := logger.New("seed", cfg.Log.Level, "")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer closeLog()
	defer lg.Sync()

	if err := seed(context.Background(), cfg, lg); err != nil {
		lg.Fatal("seed failed", zap.Error(err))
	}
}

func seed(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	if cfg.Database.Driver != config.DriverPostgres {
		return errors.New("seeding needs database.driver=postgres")
	}

	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer database.Close(ctx)

	scripts, err := migrations.Scripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if err := database.Migrate(ctx, script); err != nil {
			return err
		}
	}

	existing, err := database.ListOpenOrders(ctx, 0)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		lg.Info("database already has open orders, nothing to seed", zap.Int("open_orders", len(existing)))
		return nil
	}

	for _, s := range symbols {
		if _, err := database.CreateSymbol(ctx, s.code, s.name); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
	}
	all, err := database.ListSymbols(ctx)
	if err != nil {
		return err
	}
	ids := make(map[string]int, len(all))
	for _, s := range all {
		ids[s.Code] = s.ID
	}

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	users := make([]*models.User, 0, len(traders))
	for _, tr := range traders {
		user, err := authService.Register(ctx, tr.username, demoPassword)
		if errors.Is(err, auth.ErrUsernameTaken) {
			if user, err = database.GetUserByUsername(ctx, tr.username); err != nil {
				return err
			}
			users = append(users, user)
			lg.Info("user exists, skipping funding", zap.String("username", tr.username))
			continue
		}
		if err != nil {
			return err
		}
		if err := fund(ctx, database, user.ID, tr.balance, map[int]string{ids["BTC"]: tr.btc, ids["ETH"]: tr.eth}); err != nil {
			return err
		}
		users = append(users, user)
		lg.Info("created user", zap.String("username", tr.username), zap.Int("id", user.ID))
	}

	commission, err := cfg.Commission()
	if err != nil {
		return err
	}
	ex := exchange.NewExchange(database, exchange.Options{CommissionRate: &commission, Logger: lg})
	seller, buyer := users[0], users[1]
	btc := ids["BTC"]

	orders := []struct {
		user   *models.User
		side   models.Side
		price  string
		amount string
	}{
		// One crossing pair so the trade history is not empty
		{seller, models.SideSell, "30000", "0.1"},
		{buyer, models.SideBuy, "31000", "0.1"},
		{seller, models.SideSell, "32000", "0.5"},
		{seller, models.SideSell, "33000", "0.25"},
		{buyer, models.SideBuy, "29000", "0.5"},
		{buyer, models.SideBuy, "28500", "1"},
	}
	for _, o := range orders {
		var placed *models.Order
		if o.side == models.SideBuy {
			placed, err = ex.PlaceBuyOrder(ctx, o.user.ID, btc, ledger.MustParse(o.price), ledger.MustParse(o.amount))
		} else {
			placed, err = ex.PlaceSellOrder(ctx, o.user.ID, btc, ledger.MustParse(o.price), ledger.MustParse(o.amount))
		}
		if err != nil {
			return err
		}
		lg.Info("placed order",
			zap.String("username", o.user.Username),
			zap.String("side", string(placed.Side)),
			zap.String("price", ledger.Format(placed.Price)),
			zap.String("status", string(placed.Status)),
		)
	}

	lg.Info("seed complete", zap.String("password", demoPassword))
	return nil
}

func fund(ctx context.Context, database *db.DB, userID int, balance string, holdings map[int]string) error {
	if err := database.Deposit(ctx, userID, ledger.MustParse(balance)); err != nil {
		return err
	}
	for symbolID, amount := range holdings {
		a := ledger.MustParse(amount)
		if a.IsZero() {
			continue
		}
		if err := database.DepositAsset(ctx, userID, symbolID, a); err != nil {
			return err
		}
	}
	return nil
}
