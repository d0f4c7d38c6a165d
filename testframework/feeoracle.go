package testframework

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breez/swapd-itest/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// FeeOracleIndex holds the confirmation targets in blocks.
	FeeOracleIndex = []int{3, 6, 9, 12, 18, 24, 36, 48, 72, 96, 144}

	// FeeOracleColumns holds the confirmation probabilities.
	FeeOracleColumns = []decimal.Decimal{
		decimal.RequireFromString("0.05"),
		decimal.RequireFromString("0.2"),
		decimal.RequireFromString("0.5"),
		decimal.RequireFromString("0.8"),
		decimal.RequireFromString("0.95"),
	}

	DefaultFees = []int{20, 40, 60, 80, 100}
)

// FeeTable is the document served by the fee oracle. Data has one row per
// index entry and one column per probability, each value a fee rate
// exponent (see SatPerVbyte).
type FeeTable struct {
	Index   []int       `json:"index"`
	Columns []string    `json:"columns"`
	Data    [][]float64 `json:"data"`
}

// SatPerVbyte converts a table value into a fee rate.
func SatPerVbyte(rate float64) float64 {
	return math.Exp(rate / 100)
}

// FeeOracle is an in-process stand-in for the external fee estimation api
// swapd polls.
type FeeOracle struct {
	Port int

	mu         sync.Mutex
	multiplier decimal.Decimal
	failing    bool
	requests   atomic.Int64

	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

// NewFeeOracle binds the oracle to a reserved port. It does not serve until
// Start is called.
func NewFeeOracle(pool *PortPool) (*FeeOracle, error) {
	port, err := pool.Reserve()
	if err != nil {
		return nil, err
	}
	return &FeeOracle{
		Port:       port,
		multiplier: decimal.NewFromInt(1),
	}, nil
}

func (o *FeeOracle) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", o.Port))
	if err != nil {
		return fmt.Errorf("%w: fee oracle listen: %v", ErrStart, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", o.handleFees)

	o.listener = l
	o.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	o.done = make(chan struct{})

	go func() {
		defer close(o.done)
		if err := o.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("fee oracle: %v", err)
		}
	}()

	log.Debugf("fee oracle listening on port %d", o.Port)
	return nil
}

// Stop shuts the server down and waits for the serve loop to return.
func (o *FeeOracle) Stop(ctx context.Context) error {
	if o.server == nil {
		return nil
	}
	err := o.server.Shutdown(ctx)
	<-o.done
	o.server = nil
	log.Debugf("fee oracle shut down after processing %d requests", o.Requests())
	return err
}

func (o *FeeOracle) ReleasePorts(pool *PortPool) {
	pool.Release(o.Port)
}

// Magnify multiplies every served value by m.
func (o *FeeOracle) Magnify(m float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.multiplier = decimal.NewFromFloat(m)
}

// SetError makes every request fail with a server error.
func (o *FeeOracle) SetError(failing bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failing = failing
}

func (o *FeeOracle) Requests() int {
	return int(o.requests.Load())
}

// URL returns the endpoint swapd is configured with. Without fees the
// DefaultFees are used.
func (o *FeeOracle) URL(fees ...int) string {
	if len(fees) == 0 {
		fees = DefaultFees
	}
	return fmt.Sprintf("http://127.0.0.1:%d?fees=%s", o.Port, url.QueryEscape(strings.Join(formatInts(fees), ",")))
}

func formatInts(values []int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strconv.Itoa(v)
	}
	return out
}

func (o *FeeOracle) handleFees(w http.ResponseWriter, r *http.Request) {
	o.requests.Add(1)

	o.mu.Lock()
	failing, multiplier := o.failing, o.multiplier
	o.mu.Unlock()

	query := r.URL.Query()
	if query.Has("error") || failing {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, query.Get("error"))
		return
	}

	row, err := parseFees(query.Get("fees"), multiplier)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(newFeeTable(row)); err != nil {
		log.Warnf("fee oracle: writing response: %v", err)
	}
}

func parseFees(raw string, multiplier decimal.Decimal) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if raw == "" {
		parts = formatInts(DefaultFees)
	}
	if len(parts) != len(FeeOracleColumns) {
		return nil, fmt.Errorf("expected %d fees, got %d", len(FeeOracleColumns), len(parts))
	}

	row := make([]float64, len(parts))
	for i, p := range parts {
		d, err := decimal.NewFromString(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid fee %q: %w", p, err)
		}
		row[i] = d.Mul(multiplier).InexactFloat64()
	}
	return row, nil
}

func newFeeTable(row []float64) *FeeTable {
	columns := make([]string, len(FeeOracleColumns))
	for i, c := range FeeOracleColumns {
		columns[i] = c.StringFixed(4)
	}
	data := make([][]float64, len(FeeOracleIndex))
	for i := range data {
		data[i] = row
	}
	return &FeeTable{
		Index:   FeeOracleIndex,
		Columns: columns,
		Data:    data,
	}
}

// FeeOracleClient reads fee tables the way swapd does.
type FeeOracleClient struct {
	httpClient *retryablehttp.Client
}

func NewFeeOracleClient(retries int) *FeeOracleClient {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 50 * time.Millisecond
	c.RetryWaitMax = 500 * time.Millisecond
	c.Logger = nil
	return &FeeOracleClient{httpClient: c}
}

// Fetch returns the table served at endpoint.
func (c *FeeOracleClient) Fetch(ctx context.Context, endpoint string) (*FeeTable, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fee request")
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to call fee oracle")
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return nil, errors.Errorf("fee oracle returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	table := &FeeTable{}
	if err := json.NewDecoder(res.Body).Decode(table); err != nil {
		return nil, errors.Wrap(err, "failed to decode fee table")
	}
	return table, nil
}

// WaitReady polls endpoint until it serves a table.
func (c *FeeOracleClient) WaitReady(endpoint string, timeout time.Duration) error {
	return WaitFor(func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := c.Fetch(ctx, endpoint)
		return err == nil
	}, timeout)
}
