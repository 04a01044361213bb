package billing

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenlabs/lumen/internal/observability"
)

// Result codes. The backend only ever returns 0 for success; negative codes
// are produced locally and never collide with backend codes.
const (
	CodeOK             = 0
	CodeTransportError = -1
	CodeNoCredential   = -2
)

// maxChargePhotons bounds a single debit. A runaway turn can cost at most
// this many photons; the remainder is simply not billed.
const maxChargePhotons = 50

// DefaultScene is the backend accounting scene for app-initiated debits.
const DefaultScene = "appCustomizeCharge"

// rateTier prices input and output units in currency per 1,000 units.
// The tier is selected by the turn's input unit count.
type rateTier struct {
	maxInput   int64
	inputRate  float64
	outputRate float64
}

var rateTiers = []rateTier{
	{maxInput: 32_000, inputRate: 0.006, outputRate: 0.024},
	{maxInput: 128_000, inputRate: 0.01, outputRate: 0.04},
	{maxInput: math.MaxInt64, inputRate: 0.015, outputRate: 0.06},
}

// Config holds billing engine configuration.
type Config struct {
	Enabled         bool
	BaseURL         string
	SKUID           int64
	Scene           string        // defaults to DefaultScene
	ChangeType      int           // defaults to 1
	MinCharge       int           // floor applied once a debit happens, defaults to 1
	PhotonToRMBRate float64       // currency value of one photon, defaults to 0.01
	DevAccessKey    string        // debugging fallback credential
	ClientName      string        // optional x-app-key header value
	RequestTimeout  time.Duration // defaults to 30s
}

// Credential carries the per-connection keys used to authorize a debit.
// Resolution order: ConnectionKey, then CookieKey, then the configured
// developer key. All three absent is a hard failure.
type Credential struct {
	ConnectionKey string // attached at authentication time
	CookieKey     string // extracted from the transport's appAccessKey cookie
}

// Outcome is the structured result of a charge attempt. Charge never
// returns an error; every failure mode is encoded here.
type Outcome struct {
	Success   bool                   `json:"success"`
	Code      int                    `json:"code"`
	Message   string                 `json:"message"`
	BizNo     int64                  `json:"biz_no,omitempty"`
	Photons   int                    `json:"photon_amount"`
	RMBAmount float64                `json:"rmb_amount"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Engine meters usage and debits the billing backend. Each connection owns
// one engine so fractional carry-over stays per-user.
type Engine struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	ledger *Ledger

	mu      sync.Mutex
	carried float64 // unbilled fractional currency from prior calls
}

// New creates a billing engine.
func New(cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.Enabled && cfg.BaseURL == "" {
		return nil, fmt.Errorf("billing: base URL is required when metering is enabled")
	}
	if cfg.Scene == "" {
		cfg.Scene = DefaultScene
	}
	if cfg.ChangeType == 0 {
		cfg.ChangeType = 1
	}
	if cfg.MinCharge <= 0 {
		cfg.MinCharge = 1
	}
	if cfg.PhotonToRMBRate <= 0 {
		cfg.PhotonToRMBRate = 0.01
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &Engine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.With().Str("component", "billing").Logger(),
	}, nil
}

// AttachLedger enables best-effort audit recording of charge attempts.
func (e *Engine) AttachLedger(l *Ledger) {
	e.ledger = l
}

// Enabled reports whether metering is active.
func (e *Engine) Enabled() bool {
	return e.cfg.Enabled
}

// Carried returns the fractional currency waiting to be billed.
func (e *Engine) Carried() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.carried
}

// tierFor selects the rate tier for a turn's input unit count.
func tierFor(inputUnits int64) rateTier {
	for _, t := range rateTiers {
		if inputUnits <= t.maxInput {
			return t
		}
	}
	return rateTiers[len(rateTiers)-1]
}

// meter converts raw usage into a photon debit, folding in and updating the
// carried fraction. Tool calls are counted but currently zero-weighted.
// Negative counters clamp to zero so a bad usage report can never drive
// the carried fraction below zero.
func (e *Engine) meter(inputUnits, outputUnits, toolCalls int64) (photons int, rmb float64) {
	if inputUnits < 0 {
		inputUnits = 0
	}
	if outputUnits < 0 {
		outputUnits = 0
	}
	tier := tierFor(inputUnits)

	cost := float64(inputUnits)/1000*tier.inputRate +
		float64(outputUnits)/1000*tier.outputRate
	_ = toolCalls // zero-weighted, pricing hook for later

	e.mu.Lock()
	defer e.mu.Unlock()

	cost += e.carried

	rawPhotons := cost / e.cfg.PhotonToRMBRate
	photons = int(rawPhotons)

	// Update the carry even when nothing is billed so fractions never
	// evaporate.
	e.carried = (rawPhotons - float64(photons)) * e.cfg.PhotonToRMBRate

	if photons > 0 {
		if photons < e.cfg.MinCharge {
			photons = e.cfg.MinCharge
		}
		if photons > maxChargePhotons {
			photons = maxChargePhotons
		}
	}

	return photons, float64(photons) * e.cfg.PhotonToRMBRate
}

// resolveAccessKey applies the credential precedence chain.
func (e *Engine) resolveAccessKey(cred Credential) string {
	if cred.ConnectionKey != "" {
		e.logger.Debug().Msg("using access key from connection context")
		return cred.ConnectionKey
	}
	if cred.CookieKey != "" {
		e.logger.Debug().Msg("using access key from cookie")
		return cred.CookieKey
	}
	if e.cfg.DevAccessKey != "" {
		e.logger.Debug().Msg("using developer access key")
		return e.cfg.DevAccessKey
	}
	return ""
}

// generateBizNo builds the idempotency id for one debit: unix timestamp
// concatenated with 16 random bits.
func generateBizNo() int64 {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Degrade to a time-derived suffix rather than failing the charge.
		binary.BigEndian.PutUint16(buf[:], uint16(time.Now().UnixNano()))
	}
	raw := strconv.FormatInt(time.Now().Unix(), 10) + strconv.FormatUint(uint64(binary.BigEndian.Uint16(buf[:])), 10)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Now().UnixNano()
	}
	return n
}

// Charge meters one turn's usage and debits the backend if anything is owed.
// It never returns an error; every outcome is structured.
func (e *Engine) Charge(ctx context.Context, inputUnits, outputUnits, toolCalls int64, cred Credential) Outcome {
	if !e.cfg.Enabled {
		return Outcome{Success: true, Code: CodeOK, Message: "metering disabled"}
	}

	if inputUnits <= 0 && outputUnits <= 0 && toolCalls <= 0 {
		observability.RecordCharge("free", 0, 0)
		return Outcome{Success: true, Code: CodeOK, Message: "free tier, nothing owed"}
	}

	photons, rmb := e.meter(inputUnits, outputUnits, toolCalls)

	if photons <= 0 {
		e.logger.Debug().
			Int64("input_units", inputUnits).
			Int64("output_units", outputUnits).
			Float64("carried", e.Carried()).
			Msg("below one photon, cost carried forward")
		observability.RecordCharge("carried", 0, 0)
		return Outcome{Success: true, Code: CodeOK, Message: "below minimum, cost carried forward"}
	}

	accessKey := e.resolveAccessKey(cred)
	if accessKey == "" {
		e.logger.Warn().Msg("no access key available, cannot charge")
		observability.RecordCharge("no_credential", 0, 0)
		return Outcome{
			Success:   false,
			Code:      CodeNoCredential,
			Message:   "no access key available, user must authenticate",
			Photons:   photons,
			RMBAmount: rmb,
		}
	}

	bizNo := generateBizNo()
	start := time.Now()
	outcome := e.debit(ctx, accessKey, bizNo, photons)
	outcome.Photons = photons
	outcome.RMBAmount = rmb

	result := "success"
	if !outcome.Success {
		if outcome.Code == CodeTransportError {
			result = "transport_error"
		} else {
			result = "backend_error"
		}
	}
	observability.RecordCharge(result, photons, time.Since(start))

	e.logger.Info().
		Int64("biz_no", bizNo).
		Int("photons", photons).
		Float64("rmb", rmb).
		Bool("success", outcome.Success).
		Int("code", outcome.Code).
		Msg("charge attempted")

	if e.ledger != nil {
		e.ledger.Record(ctx, Entry{
			BizNo:      bizNo,
			InputUnits: inputUnits + outputUnits,
			Photons:    photons,
			SKUID:      e.cfg.SKUID,
			Success:    outcome.Success,
			Code:       outcome.Code,
			Message:    outcome.Message,
			ChargedAt:  time.Now(),
		})
	}

	return outcome
}

type debitRequest struct {
	BizNo      int64  `json:"bizNo"`
	ChangeType int    `json:"changeType"`
	EventValue int    `json:"eventValue"`
	SKUID      int64  `json:"skuId"`
	Scene      string `json:"scene"`
}

type debitResponse struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

// debit performs the single backend POST. Failures are never retried; the
// biz no exists only for idempotency and audit.
func (e *Engine) debit(ctx context.Context, accessKey string, bizNo int64, photons int) Outcome {
	body, err := json.Marshal(debitRequest{
		BizNo:      bizNo,
		ChangeType: e.cfg.ChangeType,
		EventValue: photons,
		SKUID:      e.cfg.SKUID,
		Scene:      e.cfg.Scene,
	})
	if err != nil {
		return Outcome{Success: false, Code: CodeTransportError, Message: fmt.Sprintf("encode charge request: %v", err), BizNo: bizNo}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Success: false, Code: CodeTransportError, Message: fmt.Sprintf("build charge request: %v", err), BizNo: bizNo}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("accessKey", accessKey)
	if e.cfg.ClientName != "" {
		req.Header.Set("x-app-key", e.cfg.ClientName)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Outcome{Success: false, Code: CodeTransportError, Message: fmt.Sprintf("charge request failed: %v", err), BizNo: bizNo}
	}
	defer resp.Body.Close()

	var decoded debitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Outcome{Success: false, Code: CodeTransportError, Message: fmt.Sprintf("decode charge response: %v", err), BizNo: bizNo}
	}

	if decoded.Code != CodeOK {
		msg := decoded.Message
		if msg == "" {
			msg = "unknown error"
		}
		return Outcome{
			Success: false,
			Code:    decoded.Code,
			Message: fmt.Sprintf("charge rejected: %s", msg),
			BizNo:   bizNo,
			Data:    decoded.Data,
		}
	}

	return Outcome{
		Success: true,
		Code:    CodeOK,
		Message: "charge succeeded",
		BizNo:   bizNo,
		Data:    decoded.Data,
	}
}
