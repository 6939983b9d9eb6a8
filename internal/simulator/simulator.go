package simulator

import (
	"fmt"
	"fraud_explorer/internal/domain"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultInterval = 1500 * time.Millisecond
	defaultCurrency = "INR"
)

type merchant struct {
	id       string
	category string
}

var merchants = []merchant{
	{id: "AMZN", category: "retail"},
	{id: "STBK", category: "coffee"},
	{id: "UBER", category: "transport"},
	{id: "NETF", category: "entertainment"},
	{id: "BANK", category: "banking"},
}

// regions and cities are paired by index.
var (
	regions = []string{
		"Maharashtra", "Delhi", "Karnataka", "West Bengal",
		"Tamil Nadu", "Gujarat", "Uttar Pradesh", "Telangana",
	}
	cities = []string{
		"Mumbai", "New Delhi", "Bengaluru", "Kolkata",
		"Chennai", "Ahmedabad", "Lucknow", "Hyderabad",
	}
)

var paymentMethods = []string{"credit_card", "debit_card", "upi", "net_banking", "wallet"}

type Config struct {
	Interval time.Duration
	Currency string
	// Seed makes generated values reproducible when non-zero. Ids are
	// always random.
	Seed uint64
}

// Simulator is a synthetic transaction source. It emits one transaction per
// interval while running.
type Simulator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}

	seed1, seed2 := cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15
	if cfg.Seed == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}

	return &Simulator{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		rng:    rand.New(rand.NewPCG(seed1, seed2)),
	}
}

// Start begins emitting transactions to handler. It is a no-op while
// already running.
func (s *Simulator) Start(handler func(domain.Transaction)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(handler, s.stop, s.done)
	s.logger.Info("Transaction simulator started", slog.Duration("interval", s.cfg.Interval))
}

// Stop halts emission and waits for the emitting goroutine to exit. No
// transaction is handed out after Stop returns. It is a no-op while stopped.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("Transaction simulator stopped")
}

func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Simulator) run(handler func(domain.Transaction), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			if handler != nil {
				handler(s.Generate())
			}
		}
	}
}

// Generate builds one random transaction.
func (s *Simulator) Generate() domain.Transaction {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	m := merchants[s.rng.IntN(len(merchants))]
	place := s.rng.IntN(len(regions))

	return domain.Transaction{
		ID:                uuid.NewString(),
		UserID:            fmt.Sprintf("user_%d", s.rng.IntN(10000)),
		Amount:            math.Round((s.rng.Float64()*5000+10)*100) / 100,
		Currency:          s.cfg.Currency,
		MerchantID:        m.id,
		MerchantCategory:  m.category,
		Location:          domain.Location{Region: regions[place], City: cities[place]},
		Timestamp:         s.now(),
		PaymentMethod:     paymentMethods[s.rng.IntN(len(paymentMethods))],
		IPAddress:         s.randomIP(),
		DeviceFingerprint: uuid.NewString(),
	}
}

func (s *Simulator) randomIP() string {
	return fmt.Sprintf("%d.%d.%d.%d", s.rng.IntN(256), s.rng.IntN(256), s.rng.IntN(256), s.rng.IntN(256))
}
