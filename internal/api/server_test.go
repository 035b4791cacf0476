package api

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-chaos/internal/config"
)

const bufSize = 1024 * 1024

// echoServer implements only the methods the tests call.
type echoServer struct {
	ControlServer
}

func (echoServer) InjectChaos(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	target := in.GetFields()["target"].GetStringValue()
	if target == "" {
		return nil, status.Error(codes.InvalidArgument, "target is required")
	}
	return structpb.NewStruct(map[string]any{"target": target, "status": "active"})
}

func (echoServer) SchedulerStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"running": true})
}

func newTestConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := NewServerWithListener(config.ServerConfig{Address: "bufnet"}, lis, echoServer{})
	go func() {
		_ = srv.Start()
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Shutdown(context.Background())
	})
	return conn
}

func TestControlClientRoundTrip(t *testing.T) {
	client := NewControlClient(newTestConn(t))

	in, err := FromJSON(`{"target": "PaymentService"}`)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	out, err := client.Call(context.Background(), "InjectChaos", in)
	if err != nil {
		t.Fatalf("InjectChaos: %v", err)
	}
	if got := out.GetFields()["status"].GetStringValue(); got != "active" {
		t.Fatalf("unexpected status %q", got)
	}

	out, err = client.Call(context.Background(), "SchedulerStatus", nil)
	if err != nil {
		t.Fatalf("SchedulerStatus: %v", err)
	}
	if !out.GetFields()["running"].GetBoolValue() {
		t.Fatalf("expected running scheduler")
	}
}

func TestControlClientPropagatesStatus(t *testing.T) {
	client := NewControlClient(newTestConn(t))

	_, err := client.Call(context.Background(), "InjectChaos", nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = client.Call(context.Background(), "DropDatabase", nil)
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected unimplemented, got %v", err)
	}
}

func TestHealthService(t *testing.T) {
	conn := newTestConn(t)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ControlServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected health status %v", resp.GetStatus())
	}
}

func TestMethodsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, name := range Methods() {
		if seen[name] {
			t.Fatalf("duplicate method %s", name)
		}
		seen[name] = true
	}
	if FullMethod("AutoFix") != "/mirador.chaos.v1.Control/AutoFix" {
		t.Fatalf("unexpected full method %s", FullMethod("AutoFix"))
	}
}
