package server

import (
	"LendVault/internal/core"
	"LendVault/internal/event"
	"LendVault/internal/ingestion"
	"LendVault/internal/ledger"
	"LendVault/internal/query"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeExecutor struct {
	calls   []string
	err     error
	lastMsg []byte
}

func (f *fakeExecutor) Execute(_ context.Context, msgType string, data []byte) (*core.CoreOutput, error) {
	f.calls = append(f.calls, msgType)
	f.lastMsg = data
	if f.err != nil {
		return nil, f.err
	}
	return &core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 7, StateHash: [32]byte{0xab}},
		Batch:    &ledger.Batch{Action: msgType},
	}, nil
}

type fakeReader struct {
	filter query.InstructionFilter
	addr   string
}

func (f *fakeReader) Info(context.Context) (*core.InfoResponse, error) {
	return &core.InfoResponse{Message: "Vault is idle", Owner: "owner1"}, nil
}

func (f *fakeReader) ListInstructions(_ context.Context, filter query.InstructionFilter) ([]query.InstructionEntry, error) {
	f.filter = filter
	return []query.InstructionEntry{{Sequence: 3, Index: 0, InstructionType: "bank_send"}}, nil
}

func (f *fakeReader) AccountSequence(_ context.Context, address string) (*query.AccountSequenceResponse, error) {
	f.addr = address
	return &query.AccountSequenceResponse{Address: address, NextSequence: 4, AsOfSequence: 9}, nil
}

func (f *fakeReader) SystemStatus(context.Context) (*query.SystemStatus, error) {
	return &query.SystemStatus{LatestSequence: 9, ProjectionSeq: 9}, nil
}

func (f *fakeReader) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, CheckedEvents: 9}, nil
}

const testSecret = "test-hmac-secret"

var testAuth = AuthConfig{HMACSecret: testSecret, Issuer: "lendvault-test", Audience: "lendvault"}

func newTestServer(t *testing.T, exec Executor, perSecond float64) (*GRPCServer, *fakeReader) {
	t.Helper()
	reader := &fakeReader{}
	svc := NewVaultService(exec, reader, NewAuthenticator(testAuth), perSecond, 1, nil)
	return NewGRPCServer(":0", ":0", svc, nil, nil), reader
}

// signToken issues a bearer token for subject, valid for ttl.
func signToken(t *testing.T, secret, subject string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testAuth.Issuer,
		Audience:  jwt.ClaimStrings{testAuth.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func serve(t *testing.T, s *GRPCServer, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	return serveAs(t, s, method, target, body, "")
}

// serveAs sends the request with a bearer token when token is non-empty.
func serveAs(t *testing.T, s *GRPCServer, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	h, err := s.HTTPHandler()
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func execute(t *testing.T, s *GRPCServer, sender string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"sender":%q}`, sender)
	return serveAs(t, s, http.MethodPost, "/v1/execute/liquidate", body, signToken(t, testSecret, sender, time.Minute))
}

func TestHTTPExecuteRoutesMessageType(t *testing.T) {
	exec := &fakeExecutor{}
	s, _ := newTestServer(t, exec, 0)

	rec := execute(t, s, "lender1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.Sequence)
	assert.True(t, strings.HasPrefix(resp.StateHash, "ab00"))
	assert.Equal(t, "liquidate", resp.Batch.Action)
	assert.Equal(t, []string{"liquidate"}, exec.calls)
	assert.JSONEq(t, `{"sender":"lender1"}`, string(exec.lastMsg))
}

func TestHTTPExecuteMapsVaultErrors(t *testing.T) {
	tests := []struct {
		err      error
		wantHTTP int
		wantCode string
	}{
		{core.ErrUnauthorized, http.StatusForbidden, "PermissionDenied"},
		{core.ErrNoOpenInterest, http.StatusBadRequest, "FailedPrecondition"},
		{core.ErrInvalidCoinAmount, http.StatusBadRequest, "InvalidArgument"},
		{core.ErrCounterOfferNotCompetitive, http.StatusTooManyRequests, "ResourceExhausted"},
		{core.ErrDuplicateEvent, http.StatusConflict, "AlreadyExists"},
		{&core.SequenceError{Partition: "sender:a", Expected: 1, Got: 3}, http.StatusConflict, "Aborted"},
		{fmt.Errorf("%w: bad json", ingestion.ErrMalformedMessage), http.StatusBadRequest, "InvalidArgument"},
		{core.ErrInternal, http.StatusInternalServerError, "Internal"},
	}

	for _, tc := range tests {
		t.Run(tc.wantCode, func(t *testing.T) {
			s, _ := newTestServer(t, &fakeExecutor{err: tc.err}, 0)
			rec := execute(t, s, "a")
			assert.Equal(t, tc.wantHTTP, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body["code"])
		})
	}
}

func TestVaultErrorMessageCarriesCode(t *testing.T) {
	err := toStatus(core.ErrOpenInterestNotExpired)
	st := status.Convert(err)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Contains(t, st.Message(), "(code 100104)")
}

func TestHTTPExecuteRejectsBadBody(t *testing.T) {
	exec := &fakeExecutor{}
	s, _ := newTestServer(t, exec, 0)

	rec := serveAs(t, s, http.MethodPost, "/v1/execute/liquidate", `{`, signToken(t, testSecret, "a", time.Minute))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, exec.calls)
}

func TestHTTPQueries(t *testing.T) {
	s, reader := newTestServer(t, &fakeExecutor{}, 0)

	rec := serve(t, s, http.MethodGet, "/v1/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"owner":"owner1"`)

	rec = serve(t, s, http.MethodGet, "/v1/instructions?types=bank_send,undelegate&before_sequence=10&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"bank_send", "undelegate"}, reader.filter.Types)
	require.NotNil(t, reader.filter.BeforeSequence)
	assert.Equal(t, int64(10), *reader.filter.BeforeSequence)
	assert.Equal(t, 5, reader.filter.Limit)

	rec = serve(t, s, http.MethodGet, "/v1/instructions?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/accounts/lender1/sequence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lender1", reader.addr)
	assert.Contains(t, rec.Body.String(), `"next_sequence":4`)

	rec = serve(t, s, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"latest_sequence":9`)

	rec = serve(t, s, http.MethodGet, "/v1/admin/integrity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_healthy":true`)
}

func TestExecuteRateLimitedPerSender(t *testing.T) {
	exec := &fakeExecutor{}
	s, _ := newTestServer(t, exec, 0.001)

	rec := execute(t, s, "a")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = execute(t, s, "a")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = execute(t, s, "b")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, exec.calls, 2)
}

func TestSenderLimiterSweepsIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newSenderLimiter(1, 1)
	l.clockNow = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.Equal(t, 0, l.sweep())

	now = now.Add(visitorIdleTTL + time.Second)
	assert.Equal(t, 1, l.sweep())
	assert.True(t, l.allow("a"))
}

func TestNilLimiterAllowsAll(t *testing.T) {
	var l *senderLimiter
	assert.Nil(t, newSenderLimiter(0, 10))
	assert.True(t, l.allow("anyone"))
	assert.Equal(t, 0, l.sweep())
}

func TestUnaryHandlerDecodesAndDispatches(t *testing.T) {
	reader := &fakeReader{}
	svc := NewVaultService(&fakeExecutor{}, reader, nil, 0, 0, nil)

	handler := unaryHandler("AccountSequence", VaultServer.AccountSequence)
	dec := func(v interface{}) error {
		return json.Unmarshal([]byte(`{"address":"owner1"}`), v)
	}
	resp, err := handler(svc, context.Background(), dec, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), resp.(*query.AccountSequenceResponse).NextSequence)

	_, err = svc.AccountSequence(context.Background(), &AccountSequenceRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestExecuteRequiresSenderIdentity(t *testing.T) {
	const body = `{"sender":"lender1"}`
	tests := []struct {
		name     string
		token    string
		wantHTTP int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong secret", signToken(t, "other-secret", "lender1", time.Minute), http.StatusUnauthorized},
		{"expired", signToken(t, testSecret, "lender1", -time.Hour), http.StatusUnauthorized},
		{"malformed", "not.a.jwt", http.StatusUnauthorized},
		{"foreign sender", signToken(t, testSecret, "owner1", time.Minute), http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			s, _ := newTestServer(t, exec, 0)
			rec := serveAs(t, s, http.MethodPost, "/v1/execute/liquidate", body, tc.token)
			assert.Equal(t, tc.wantHTTP, rec.Code, rec.Body.String())
			assert.Empty(t, exec.calls)
		})
	}
}

func TestExecuteDisabledWithoutAuthenticator(t *testing.T) {
	assert.Nil(t, NewAuthenticator(AuthConfig{HMACSecret: "  "}))

	exec := &fakeExecutor{}
	svc := NewVaultService(exec, &fakeReader{}, nil, 0, 0, nil)
	_, err := svc.Execute(context.Background(), &ExecuteRequest{MsgType: "liquidate", Message: []byte(`{"sender":"a"}`)})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	assert.Empty(t, exec.calls)
}

func TestGRPCExecuteReadsBearerFromMetadata(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewVaultService(exec, &fakeReader{}, NewAuthenticator(testAuth), 0, 0, nil)
	req := &ExecuteRequest{MsgType: "liquidate", Message: []byte(`{"sender":"lender1"}`)}

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer "+signToken(t, testSecret, "lender1", time.Minute)))
	resp, err := svc.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.Sequence)

	_, err = svc.Execute(context.Background(), req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
