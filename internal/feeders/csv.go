package feeders

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marshallengine/marshall/internal/config"
	mErrors "github.com/marshallengine/marshall/internal/errors"
)

// maxBody caps a single feeder download. Larger bodies are rejected rather
// than parsed truncated.
const maxBody = 256 << 20

// CSVSource downloads delimited text feeds over HTTP with retries.
type CSVSource struct {
	client    *retryablehttp.Client
	username  string
	password  string
	delimiter rune
	maxBody   int64
	logger    *zap.Logger
}

// NewCSVSource creates a source from a feeder configuration.
func NewCSVSource(fc config.FeederConfig, logger *zap.Logger) (*CSVSource, error) {
	delim := fc.Delimiter
	if delim == "" {
		delim = "|"
	}
	r, size := utf8.DecodeRuneInString(delim)
	if size != len(delim) || r == utf8.RuneError || r == '"' || r == '\n' || r == '\r' {
		return nil, mErrors.NewConfigError(mErrors.CodeInvalidSetting,
			fmt.Sprintf("feeder delimiter must be a single character, got %q", fc.Delimiter))
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = leveledLogger{logger.Named("http").Sugar()}

	return &CSVSource{
		client:    client,
		username:  fc.Username,
		password:  fc.Password,
		delimiter: r,
		maxBody:   maxBody,
		logger:    logger,
	}, nil
}

// Delimiter returns the field separator.
func (s *CSVSource) Delimiter() rune {
	return s.delimiter
}

// Download fetches urls concurrently. Bodies are returned in url order; the
// first failure cancels the remaining downloads.
func (s *CSVSource) Download(ctx context.Context, urls []string) ([][]byte, error) {
	bodies := make([][]byte, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			body, err := s.get(gctx, u)
			if err != nil {
				return err
			}
			bodies[i] = body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bodies, nil
}

func (s *CSVSource) get(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, mErrors.NewConfigError(mErrors.CodeInvalidSetting, fmt.Sprintf("bad feeder url %q: %v", url, err))
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, mErrors.NewTransientError(mErrors.CodeDownloadFailed, "download of "+url+" failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, mErrors.NewTransientError(mErrors.CodeDownloadFailed,
			fmt.Sprintf("download of %s returned %s", url, resp.Status), nil)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, mErrors.NewTransientError(mErrors.CodeDownloadFailed, "reading "+url+" failed", err)
	}
	if int64(len(body)) > s.maxBody {
		return nil, mErrors.NewDataError(mErrors.CodeFeedTooLarge,
			fmt.Sprintf("download of %s exceeds %d bytes", url, s.maxBody), nil)
	}
	s.logger.Debug("downloaded feed",
		zap.String("url", url), zap.Int("bytes", len(body)), zap.Duration("took", time.Since(start)))
	return body, nil
}

// leveledLogger adapts zap to the retryablehttp logger interface.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }

// Record is one CSV line keyed by header.
type Record map[string]string

// ParseCSV reads a delimited body with a header line. Lines with the wrong
// number of fields are skipped and counted.
func ParseCSV(body []byte, delimiter rune) ([]Record, int, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.Comma = delimiter
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	r.FieldsPerRecord = len(header)

	var out []Record
	skipped := 0
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, csv.ErrFieldCount) {
				skipped++
				continue
			}
			return nil, skipped, fmt.Errorf("failed to read csv: %w", err)
		}
		rec := make(Record, len(header))
		for i, h := range header {
			rec[h] = strings.TrimSpace(fields[i])
		}
		out = append(out, rec)
	}
	return out, skipped, nil
}

// Str returns the value of key, or "" when absent. "None" and "NULL" read
// as empty.
func (r Record) Str(key string) string {
	v := r[key]
	switch strings.ToLower(v) {
	case "none", "null", "nan":
		return ""
	}
	return v
}

// Float parses key as a float. An empty value gives nil.
func (r Record) Float(key string) (*float64, error) {
	v := r.Str(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsInf(f, 0) {
		return nil, fmt.Errorf("column %s: %q is not a number", key, v)
	}
	return &f, nil
}

// RequireFloat parses key as a float that must be present.
func (r Record) RequireFloat(key string) (float64, error) {
	f, err := r.Float(key)
	if err != nil {
		return 0, err
	}
	if f == nil {
		return 0, fmt.Errorf("column %s is empty", key)
	}
	return *f, nil
}

// setFloat stores f under col, leaving the column NULL when f is nil.
func setFloat(row map[string]interface{}, col string, f *float64) {
	if f != nil {
		row[col] = *f
	}
}

// setStr stores v under col, leaving the column NULL when v is empty.
func setStr(row map[string]interface{}, col, v string) {
	if v != "" {
		row[col] = v
	}
}
