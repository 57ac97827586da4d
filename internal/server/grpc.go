package server

import (
	"LendVault/internal/core"
	"LendVault/internal/observability"
	"LendVault/internal/query"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lendvault.v1.Vault"

// jsonCodec carries the Vault service's plain Go structs over gRPC. Clients
// select it with the content subtype "json"; health checks keep protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *VaultService
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	metrics       *observability.Metrics
}

// NewGRPCServer creates the gRPC server with the Vault and health services.
func NewGRPCServer(grpcAddr, httpAddr string, service *VaultService, healthChecker *observability.HealthChecker, metrics *observability.Metrics) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       service,
		healthChecker: healthChecker,
		metrics:       metrics,
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			recoveryUnaryInterceptor(),
			metricsUnaryInterceptor(metrics),
		),
	)
	s.grpcServer.RegisterService(&vaultServiceDesc, service)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return s
}

// SetServing flips the gRPC health status of the Vault service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus(ServiceName, st)
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()
	go s.service.sweepLimiters(ctx, time.Minute)

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON API (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux, err := s.HTTPHandler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// HTTPHandler builds the gateway mux. Routes call the Vault service in
// process, so HTTP and gRPC share validation, rate limits and error codes.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/execute/{msg_type}", s.handleExecute},
		{http.MethodGet, "/v1/info", s.handleInfo},
		{http.MethodGet, "/v1/instructions", s.handleListInstructions},
		{http.MethodGet, "/v1/accounts/{address}/sequence", s.handleAccountSequence},
		{http.MethodGet, "/v1/status", s.handleSystemStatus},
		{http.MethodGet, "/v1/admin/integrity", s.handleVerifyIntegrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	if s.healthChecker != nil {
		liveness := func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.healthChecker.LivenessHandler(w, r)
		}
		readiness := func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.healthChecker.ReadinessHandler(w, r)
		}
		if err := mux.HandlePath(http.MethodGet, "/healthz", liveness); err != nil {
			return nil, err
		}
		if err := mux.HandlePath(http.MethodGet, "/readyz", readiness); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *GRPCServer) handleExecute(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var msg json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&msg); err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
		return
	}
	s.serveHTTP(w, r, "Execute", func(ctx context.Context) (interface{}, error) {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(authorizationKey, r.Header.Get("Authorization")))
		return s.service.Execute(ctx, &ExecuteRequest{MsgType: params["msg_type"], Message: msg})
	})
}

func (s *GRPCServer) handleInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.serveHTTP(w, r, "Info", func(ctx context.Context) (interface{}, error) {
		return s.service.Info(ctx, &Empty{})
	})
}

func (s *GRPCServer) handleListInstructions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	f, err := instructionFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveHTTP(w, r, "ListInstructions", func(ctx context.Context) (interface{}, error) {
		return s.service.ListInstructions(ctx, &f)
	})
}

func (s *GRPCServer) handleAccountSequence(w http.ResponseWriter, r *http.Request, params map[string]string) {
	s.serveHTTP(w, r, "AccountSequence", func(ctx context.Context) (interface{}, error) {
		return s.service.AccountSequence(ctx, &AccountSequenceRequest{Address: params["address"]})
	})
}

func (s *GRPCServer) handleSystemStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.serveHTTP(w, r, "SystemStatus", func(ctx context.Context) (interface{}, error) {
		return s.service.SystemStatus(ctx, &Empty{})
	})
}

func (s *GRPCServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.serveHTTP(w, r, "VerifyIntegrity", func(ctx context.Context) (interface{}, error) {
		return s.service.VerifyIntegrity(ctx, &Empty{})
	})
}

func (s *GRPCServer) serveHTTP(w http.ResponseWriter, r *http.Request, method string, call func(context.Context) (interface{}, error)) {
	start := time.Now()
	resp, err := call(r.Context())
	observeCall(s.metrics, "http."+method, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func instructionFilterFromQuery(r *http.Request) (query.InstructionFilter, error) {
	q := r.URL.Query()
	var f query.InstructionFilter
	if types := q.Get("types"); types != "" {
		f.Types = strings.Split(types, ",")
	}
	if v := q.Get("before_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, status.Errorf(codes.InvalidArgument, "before_sequence: %v", err)
		}
		f.BeforeSequence = &seq
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return f, status.Errorf(codes.InvalidArgument, "limit: %v", err)
		}
		f.Limit = limit
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]interface{}{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

// ============================================================================
// Interceptors
// ============================================================================

func recoveryUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("ERROR: panic in %s: %v", info.FullMethod, r)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func metricsUnaryInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
		observeCall(metrics, "grpc."+method, start, err)
		return resp, err
	}
}

func observeCall(metrics *observability.Metrics, endpoint string, start time.Time, err error) {
	if metrics == nil {
		return
	}
	metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QueryErrors.WithLabelValues(endpoint, status.Code(err).String()).Inc()
	}
}

// ============================================================================
// Service descriptor
// ============================================================================

// VaultServer is the server API of lendvault.v1.Vault.
type VaultServer interface {
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	Info(context.Context, *Empty) (*core.InfoResponse, error)
	ListInstructions(context.Context, *query.InstructionFilter) (*ListInstructionsResponse, error)
	AccountSequence(context.Context, *AccountSequenceRequest) (*query.AccountSequenceResponse, error)
	SystemStatus(context.Context, *Empty) (*query.SystemStatus, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
}

var vaultServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VaultServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: unaryHandler("Execute", VaultServer.Execute)},
		{MethodName: "Info", Handler: unaryHandler("Info", VaultServer.Info)},
		{MethodName: "ListInstructions", Handler: unaryHandler("ListInstructions", VaultServer.ListInstructions)},
		{MethodName: "AccountSequence", Handler: unaryHandler("AccountSequence", VaultServer.AccountSequence)},
		{MethodName: "SystemStatus", Handler: unaryHandler("SystemStatus", VaultServer.SystemStatus)},
		{MethodName: "VerifyIntegrity", Handler: unaryHandler("VerifyIntegrity", VaultServer.VerifyIntegrity)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lendvault/v1/vault.proto",
}

// unaryHandler adapts a typed VaultServer method to a grpc.MethodHandler.
func unaryHandler[Req, Resp any](method string, call func(VaultServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode %s request: %v", method, err)
		}
		if interceptor == nil {
			return call(srv.(VaultServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(VaultServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
