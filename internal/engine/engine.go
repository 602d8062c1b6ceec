// Package engine implements C5, the bounded-concurrency RPC client to the
// stateless cryptographic engine (spec §4.5). The engine itself is an
// external collaborator (§1's explicit non-goal); this package only speaks
// its wire contract.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/electionguard/tally-orchestrator/internal/debug"
	"github.com/electionguard/tally-orchestrator/internal/orcherr"
)

// Config controls the C5 engine client, mirroring config.EngineConfig
// without importing it, the same decoupling internal/scheduler uses for
// its own Config.
type Config struct {
	Endpoint string
	PoolMax  int
	Timeout  time.Duration
	RetryMax int
}

// Client is the C5 contract: four stateless calls, one per spec §4.5 row.
type Client interface {
	Tally(ctx context.Context, req TallyRequest) (TallyResponse, error)
	PartialDecrypt(ctx context.Context, req PartialDecryptRequest) (PartialDecryptResponse, error)
	CompensatedDecrypt(ctx context.Context, req CompensatedDecryptRequest) (CompensatedDecryptResponse, error)
	Combine(ctx context.Context, req CombineRequest) (CombineResponse, error)
}

// GuardianData is the opaque per-guardian document the engine consumes
// ("guardian_data" in spec §4.5); the orchestrator never interprets its
// contents beyond threading it through.
type GuardianData = json.RawMessage

// TallyRequest is the tally() call's input (spec §4.5 row 1).
type TallyRequest struct {
	Parties     json.RawMessage `json:"parties"`
	Candidates  json.RawMessage `json:"candidates"`
	JointPK     json.RawMessage `json:"joint_public_key"`
	BaseHash    string          `json:"base_hash"`
	Ciphertexts []json.RawMessage `json:"ciphertexts"`
	N           int             `json:"n"`
	K           int             `json:"k"`
}

// TallyResponse is tally()'s required output fields.
type TallyResponse struct {
	CiphertextTally  json.RawMessage   `json:"ciphertext_tally"`
	SubmittedBallots []json.RawMessage `json:"submitted_ballots"`
}

// PartialDecryptRequest is the partial_decrypt() call's input.
type PartialDecryptRequest struct {
	GuardianData GuardianData    `json:"guardian_data"`
	PrivateKey   json.RawMessage `json:"priv"`
	PublicKey    json.RawMessage `json:"pub"`
	Polynomial   json.RawMessage `json:"poly"`
	Parties      json.RawMessage `json:"parties"`
	Candidates   json.RawMessage `json:"candidates"`
	Tally        json.RawMessage `json:"tally"`
	Ballots      []json.RawMessage `json:"ballots"`
	JointPK      json.RawMessage `json:"joint_public_key"`
	BaseHash     string          `json:"base_hash"`
	N            int             `json:"n"`
	K            int             `json:"k"`
}

// PartialDecryptResponse is partial_decrypt()'s required output fields.
type PartialDecryptResponse struct {
	TallyShare      json.RawMessage `json:"tally_share"`
	BallotShares    json.RawMessage `json:"ballot_shares"`
	GuardianPublicKey json.RawMessage `json:"guardian_public_key"`
}

// AvailableGuardian is one {data,priv,pub,poly} tuple for an available
// guardian participating in compensated decryption.
type AvailableGuardian struct {
	Data       GuardianData    `json:"data"`
	PrivateKey json.RawMessage `json:"priv"`
	PublicKey  json.RawMessage `json:"pub"`
	Polynomial json.RawMessage `json:"poly"`
}

// MissingGuardian is the absent guardian's public document.
type MissingGuardian struct {
	Data GuardianData `json:"data"`
}

// CompensatedDecryptRequest is the compensated_decrypt() call's input.
type CompensatedDecryptRequest struct {
	Available  AvailableGuardian `json:"available"`
	Missing    MissingGuardian   `json:"missing"`
	Parties    json.RawMessage   `json:"parties"`
	Candidates json.RawMessage   `json:"candidates"`
	Tally      json.RawMessage   `json:"tally"`
	Ballots    []json.RawMessage `json:"ballots"`
	JointPK    json.RawMessage   `json:"joint_public_key"`
	BaseHash   string            `json:"base_hash"`
	N          int               `json:"n"`
	K          int               `json:"k"`
}

// CompensatedDecryptResponse is compensated_decrypt()'s required output.
type CompensatedDecryptResponse struct {
	CompensatedTallyShare   json.RawMessage `json:"compensated_tally_share"`
	CompensatedBallotShares json.RawMessage `json:"compensated_ballot_shares"`
}

// CombineShare is one available guardian's contribution to combine().
type CombineShare struct {
	GuardianID   string          `json:"guardian_id"`
	PublicKey    json.RawMessage `json:"public_key"`
	TallyShare   json.RawMessage `json:"tally_share"`
	BallotShares json.RawMessage `json:"ballot_shares"`
}

// CombineCompensation is one (missing, compensating) pair's contribution.
type CombineCompensation struct {
	MissingGuardianID      string          `json:"missing_guardian_id"`
	CompensatingGuardianID string          `json:"compensating_guardian_id"`
	TallyShare             json.RawMessage `json:"tally_share"`
	BallotShares           json.RawMessage `json:"ballot_shares"`
}

// CombineRequest is the combine() call's input (spec §4.5 row 4).
type CombineRequest struct {
	Parties       json.RawMessage        `json:"parties"`
	Candidates    json.RawMessage        `json:"candidates"`
	Tally         json.RawMessage        `json:"tally"`
	Ballots       []json.RawMessage      `json:"ballots"`
	JointPK       json.RawMessage        `json:"joint_public_key"`
	BaseHash      string                 `json:"base_hash"`
	N             int                    `json:"n"`
	K             int                    `json:"k"`
	GuardianData  []GuardianData         `json:"guardian_data"`
	Available     []CombineShare         `json:"available"`
	Compensations []CombineCompensation  `json:"compensations"`
}

// CombineResponse is combine()'s required output field.
type CombineResponse struct {
	Results json.RawMessage `json:"results"`
}

// HTTPClient implements Client over HTTP-JSON with a bounded connection
// pool, per-call timeout, request-id-tagged structured logging, a
// span-per-call OTel trace, and exponential-backoff retry on transport
// failure (spec §4.5).
type HTTPClient struct {
	endpoint string
	retryMax int
	http     *http.Client
	log      *logrus.Logger
	tracer   trace.Tracer
}

// NewHTTPClient builds the C5 client. The transport's connection pool is
// bounded by cfg.PoolMax (MaxConnsPerHost) — the only resource bound this
// outbound RPC surface is allowed, per spec §5.
func NewHTTPClient(cfg Config, log *logrus.Logger) *HTTPClient {
	if log == nil {
		log = logrus.New()
	}
	transport := &http.Transport{
		MaxConnsPerHost:     cfg.PoolMax,
		MaxIdleConnsPerHost: cfg.PoolMax,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		retryMax: cfg.RetryMax,
		http:     &http.Client{Transport: otelhttp.NewTransport(transport), Timeout: cfg.Timeout},
		log:      log,
		tracer:   otel.Tracer("electionguard/tally-orchestrator/engine"),
	}
}

func (c *HTTPClient) Tally(ctx context.Context, req TallyRequest) (TallyResponse, error) {
	var resp TallyResponse
	err := c.call(ctx, "tally", req, &resp, func() error {
		if resp.CiphertextTally == nil {
			return fmt.Errorf("tally: ciphertext_tally is null")
		}
		return nil
	})
	return resp, err
}

func (c *HTTPClient) PartialDecrypt(ctx context.Context, req PartialDecryptRequest) (PartialDecryptResponse, error) {
	var resp PartialDecryptResponse
	err := c.call(ctx, "partial_decrypt", req, &resp, func() error {
		if resp.TallyShare == nil {
			return fmt.Errorf("partial_decrypt: tally_share is null")
		}
		return nil
	})
	return resp, err
}

func (c *HTTPClient) CompensatedDecrypt(ctx context.Context, req CompensatedDecryptRequest) (CompensatedDecryptResponse, error) {
	var resp CompensatedDecryptResponse
	err := c.call(ctx, "compensated_decrypt", req, &resp, func() error {
		if resp.CompensatedTallyShare == nil {
			return fmt.Errorf("compensated_decrypt: compensated_tally_share is null")
		}
		return nil
	})
	return resp, err
}

func (c *HTTPClient) Combine(ctx context.Context, req CombineRequest) (CombineResponse, error) {
	var resp CombineResponse
	err := c.call(ctx, "combine", req, &resp, func() error {
		if resp.Results == nil {
			return fmt.Errorf("combine: results is null")
		}
		return nil
	})
	return resp, err
}

// call performs one logical RPC with retry, tracing, and logging. validate
// is run after every successful unmarshal; a failure there is a hard
// protocol error (not retryable), per spec §4.5's last sentence.
func (c *HTTPClient) call(ctx context.Context, op string, body any, out any, validate func() error) error {
	ctx, span := c.tracer.Start(ctx, "engine."+op)
	defer span.End()

	requestID := uuid.NewString()
	span.SetAttributes(attribute.String("engine.request_id", requestID), attribute.String("engine.op", op))

	data, err := json.Marshal(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal request")
		return orcherr.Validationf(op, "marshal request: %v", err)
	}

	log := c.log.WithFields(logrus.Fields{"engine_op": op, "request_id": requestID})
	if debug.Enabled() {
		log.WithField("request_body", string(data)).Debug("engine: request")
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryMax+1; attempt++ {
		if attempt > 1 {
			backoff := 2 * time.Second * time.Duration(attempt-1)
			log.WithField("attempt", attempt).WithField("backoff", backoff).Warn("engine: retrying after transport failure")
			select {
			case <-ctx.Done():
				return orcherr.Engine(op, false, ctx.Err())
			case <-time.After(backoff):
			}
		}

		if err := c.doOnce(ctx, op, requestID, data, out); err != nil {
			lastErr = err
			continue
		}

		if err := validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.WithError(err).Error("engine: required output field missing")
			return orcherr.Engine(op, false, err)
		}

		span.SetStatus(codes.Ok, "")
		return nil
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "retries exhausted")
	log.WithError(lastErr).Error("engine: retries exhausted")
	return orcherr.Engine(op, true, lastErr)
}

func (c *HTTPClient) doOnce(ctx context.Context, op, requestID string, data []byte, out any) error {
	url := fmt.Sprintf("%s/%s", c.endpoint, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("engine returned status %d: %s", resp.StatusCode, respBody)
	}

	var body io.Reader = resp.Body
	if debug.Enabled() {
		raw, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return fmt.Errorf("read response: %w", rerr)
		}
		c.log.WithFields(logrus.Fields{"engine_op": op, "request_id": requestID, "response_body": string(raw)}).Debug("engine: response")
		body = bytes.NewReader(raw)
	}

	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
