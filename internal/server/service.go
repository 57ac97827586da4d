package server

import (
	"LendVault/internal/core"
	"LendVault/internal/ledger"
	"LendVault/internal/observability"
	"LendVault/internal/query"
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Executor applies execute messages through the core loop.
type Executor interface {
	Execute(ctx context.Context, msgType string, data []byte) (*core.CoreOutput, error)
}

// Reader answers read-only queries.
type Reader interface {
	Info(ctx context.Context) (*core.InfoResponse, error)
	ListInstructions(ctx context.Context, f query.InstructionFilter) ([]query.InstructionEntry, error)
	AccountSequence(ctx context.Context, address string) (*query.AccountSequenceResponse, error)
	SystemStatus(ctx context.Context) (*query.SystemStatus, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

type ExecuteRequest struct {
	MsgType string          `json:"msg_type"`
	Message json.RawMessage `json:"message"`
}

type ExecuteResponse struct {
	Sequence  int64         `json:"sequence"`
	StateHash string        `json:"state_hash"`
	Batch     *ledger.Batch `json:"batch"`
}

type Empty struct{}

type ListInstructionsResponse struct {
	Instructions []query.InstructionEntry `json:"instructions"`
}

type AccountSequenceRequest struct {
	Address string `json:"address"`
}

// VaultService implements the lendvault.v1.Vault API on top of the core
// loop and the query service.
type VaultService struct {
	exec    Executor
	reader  Reader
	auth    *Authenticator
	limiter *senderLimiter
	metrics *observability.Metrics
}

// NewVaultService wires the API. A nil auth disables Execute; a
// non-positive perSecond disables rate limiting.
func NewVaultService(exec Executor, reader Reader, auth *Authenticator, perSecond float64, burst int, metrics *observability.Metrics) *VaultService {
	return &VaultService{
		exec:    exec,
		reader:  reader,
		auth:    auth,
		limiter: newSenderLimiter(perSecond, burst),
		metrics: metrics,
	}
}

// Execute submits one message as the authenticated caller and waits until
// the core applied or rejected it.
func (s *VaultService) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	if s.auth == nil {
		return nil, errExecuteDisabled
	}
	caller, err := s.auth.subject(ctx)
	if err != nil {
		return nil, err
	}
	if req.MsgType == "" {
		return nil, status.Error(codes.InvalidArgument, "msg_type is required")
	}
	if len(req.Message) == 0 {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}

	var peek struct {
		Sender string `json:"sender"`
	}
	_ = json.Unmarshal(req.Message, &peek)
	if peek.Sender != caller {
		return nil, errSenderMismatch
	}
	if !s.limiter.allow(caller) {
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues("grpc").Inc()
		}
		return nil, errRateLimited
	}

	out, err := s.exec.Execute(ctx, req.MsgType, req.Message)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ExecuteResponse{
		Sequence:  out.Envelope.Sequence,
		StateHash: hex.EncodeToString(out.Envelope.StateHash[:]),
		Batch:     out.Batch,
	}, nil
}

func (s *VaultService) Info(ctx context.Context, _ *Empty) (*core.InfoResponse, error) {
	info, err := s.reader.Info(ctx)
	return info, toStatus(err)
}

func (s *VaultService) ListInstructions(ctx context.Context, req *query.InstructionFilter) (*ListInstructionsResponse, error) {
	if req.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must be non-negative")
	}
	entries, err := s.reader.ListInstructions(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListInstructionsResponse{Instructions: entries}, nil
}

func (s *VaultService) AccountSequence(ctx context.Context, req *AccountSequenceRequest) (*query.AccountSequenceResponse, error) {
	if req.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "address is required")
	}
	resp, err := s.reader.AccountSequence(ctx, req.Address)
	return resp, toStatus(err)
}

func (s *VaultService) SystemStatus(ctx context.Context, _ *Empty) (*query.SystemStatus, error) {
	resp, err := s.reader.SystemStatus(ctx)
	return resp, toStatus(err)
}

func (s *VaultService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	resp, err := s.reader.VerifyIntegrity(ctx)
	return resp, toStatus(err)
}

// sweepLimiters drops idle per-sender limiters until ctx ends.
func (s *VaultService) sweepLimiters(ctx context.Context, every time.Duration) {
	if s.limiter == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.sweep()
		}
	}
}
