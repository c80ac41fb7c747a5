package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Record is one labelled row of a replay file.
type Record struct {
	AccountID string
	Amount    decimal.Decimal
	Currency  string
	Type      string
	Category  string
	Latitude  float64
	Longitude float64
	Country   string
	Timestamp *time.Time
	IsFraud   bool
}

// Request converts the record to an intake request.
func (r Record) Request() *domain.TransactionRequest {
	return &domain.TransactionRequest{
		AccountID: r.AccountID,
		Amount:    r.Amount,
		Currency:  r.Currency,
		Type:      r.Type,
		Merchant:  domain.Merchant{ID: strings.ToLower(r.Category), Name: r.Category, Category: r.Category},
		Location:  domain.Location{Latitude: r.Latitude, Longitude: r.Longitude, Country: r.Country},
		Timestamp: r.Timestamp,
	}
}

var requiredColumns = []string{"account_id", "amount", "is_fraud"}

// ReadRecords parses a labelled CSV. Column names are matched case-insensitively;
// account_id, amount and is_fraud are required. Malformed rows are skipped
// and counted.
func ReadRecords(r io.Reader, limit int) ([]Record, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, 0, fmt.Errorf("missing required column %q", name)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []Record
	skipped := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		rec, err := parseRow(func(name string) string { return field(row, name) })
		if err != nil {
			skipped++
			continue
		}
		records = append(records, rec)

		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, skipped, nil
}

func parseRow(field func(string) string) (Record, error) {
	amount, err := decimal.NewFromString(field("amount"))
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		AccountID: field("account_id"),
		Amount:    amount,
		Currency:  field("currency"),
		Type:      field("type"),
		Category:  field("merchant_category"),
		Country:   field("country"),
		IsFraud:   field("is_fraud") == "1" || strings.EqualFold(field("is_fraud"), "true"),
	}
	if rec.AccountID == "" {
		return Record{}, errors.New("empty account id")
	}
	if rec.Currency == "" {
		rec.Currency = "USD"
	}
	if v := field("latitude"); v != "" {
		if rec.Latitude, err = strconv.ParseFloat(v, 64); err != nil {
			return Record{}, err
		}
	}
	if v := field("longitude"); v != "" {
		if rec.Longitude, err = strconv.ParseFloat(v, 64); err != nil {
			return Record{}, err
		}
	}
	if v := field("timestamp"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Record{}, err
		}
		rec.Timestamp = &ts
	}
	return rec, nil
}

// Confusion is a binary confusion matrix of predicted against labelled fraud.
type Confusion struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64
	Errors         int64
}

// Add records one outcome.
func (c *Confusion) Add(predicted, actual bool) {
	switch {
	case predicted && actual:
		c.TruePositives++
	case predicted && !actual:
		c.FalsePositives++
	case !predicted && !actual:
		c.TrueNegatives++
	default:
		c.FalseNegatives++
	}
}

// Total is the number of scored records.
func (c *Confusion) Total() int64 {
	return c.TruePositives + c.FalsePositives + c.TrueNegatives + c.FalseNegatives
}

// Precision is the share of flagged records that were fraud.
func (c *Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// Recall is the share of fraud that was flagged.
func (c *Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (c *Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the share of correct predictions.
func (c *Confusion) Accuracy() float64 {
	return ratio(c.TruePositives+c.TrueNegatives, c.Total())
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Client talks to a running Kestrel instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// OpenAccount creates an account. An existing account is not an error.
func (c *Client) OpenAccount(ctx context.Context, accountID string, registered time.Time) error {
	resp, err := c.post(ctx, "/accounts", domain.AccountRequest{
		AccountID:        accountID,
		Email:            accountID + "@replay.invalid",
		RegistrationDate: &registered,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("open account %s: status %d", accountID, resp.StatusCode)
	}
	return nil
}

// Submit posts one transaction and returns the analysis.
func (c *Client) Submit(ctx context.Context, rec Record) (*domain.TransactionResponse, error) {
	resp, err := c.post(ctx, "/transactions", rec.Request())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result domain.TransactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// Result is the outcome of replaying one record.
type Result struct {
	Record   Record
	Response *domain.TransactionResponse
	Latency  time.Duration
	Err      error
}

// Replay submits every record and scores the verdicts. Records of one
// account always go to the same worker, in file order, so history-based
// rules see the sequence the file describes.
func Replay(ctx context.Context, c *Client, records []Record, workers int, onResult func(Result)) (*Confusion, error) {
	if workers < 1 {
		workers = 1
	}
	partitions := make([][]Record, workers)
	for _, rec := range records {
		h := fnv.New32a()
		h.Write([]byte(rec.AccountID))
		i := int(h.Sum32() % uint32(workers))
		partitions[i] = append(partitions[i], rec)
	}

	var (
		mu        sync.Mutex
		confusion Confusion
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, part := range partitions {
		part := part
		g.Go(func() error {
			for _, rec := range part {
				if err := ctx.Err(); err != nil {
					return err
				}
				start := time.Now()
				resp, err := c.Submit(ctx, rec)
				res := Result{Record: rec, Response: resp, Latency: time.Since(start), Err: err}

				mu.Lock()
				if err != nil {
					confusion.Errors++
				} else {
					confusion.Add(resp.IsFraudulent, rec.IsFraud)
				}
				if onResult != nil {
					onResult(res)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &confusion, err
	}
	return &confusion, nil
}
