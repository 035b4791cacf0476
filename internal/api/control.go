package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ControlServiceName is the fully-qualified gRPC service name.
const ControlServiceName = "mirador.chaos.v1.Control"

// ControlServer is the control surface of the chaos core. Requests and
// responses are JSON-shaped google.protobuf.Struct messages.
type ControlServer interface {
	StartScheduler(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopScheduler(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SchedulerStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateSchedulerConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)

	StartDetector(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopDetector(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DetectorStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateDetectorConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearProcessedProblems(context.Context, *structpb.Struct) (*structpb.Struct, error)

	InjectChaos(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevertChaos(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevertAllChaos(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ActiveFaults(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetFault(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRecipes(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SmartChaos(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetFlags(context.Context, *structpb.Struct) (*structpb.Struct, error)

	AutoFix(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Diagnose(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AgenticDiagnose(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetFixRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFixRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)

	RecordHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchSimilar(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IncidentTimeline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GenerateLearning(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MemoryStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type controlMethod struct {
	name string
	call func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var controlMethods = []controlMethod{
	{"StartScheduler", ControlServer.StartScheduler},
	{"StopScheduler", ControlServer.StopScheduler},
	{"SchedulerStatus", ControlServer.SchedulerStatus},
	{"UpdateSchedulerConfig", ControlServer.UpdateSchedulerConfig},
	{"RecordTransaction", ControlServer.RecordTransaction},
	{"StartDetector", ControlServer.StartDetector},
	{"StopDetector", ControlServer.StopDetector},
	{"DetectorStatus", ControlServer.DetectorStatus},
	{"UpdateDetectorConfig", ControlServer.UpdateDetectorConfig},
	{"ClearProcessedProblems", ControlServer.ClearProcessedProblems},
	{"InjectChaos", ControlServer.InjectChaos},
	{"RevertChaos", ControlServer.RevertChaos},
	{"RevertAllChaos", ControlServer.RevertAllChaos},
	{"ActiveFaults", ControlServer.ActiveFaults},
	{"GetFault", ControlServer.GetFault},
	{"ListRecipes", ControlServer.ListRecipes},
	{"SmartChaos", ControlServer.SmartChaos},
	{"GetFlags", ControlServer.GetFlags},
	{"AutoFix", ControlServer.AutoFix},
	{"Diagnose", ControlServer.Diagnose},
	{"AgenticDiagnose", ControlServer.AgenticDiagnose},
	{"GetFixRun", ControlServer.GetFixRun},
	{"ListFixRuns", ControlServer.ListFixRuns},
	{"RecordHistory", ControlServer.RecordHistory},
	{"QueryHistory", ControlServer.QueryHistory},
	{"SearchSimilar", ControlServer.SearchSimilar},
	{"IncidentTimeline", ControlServer.IncidentTimeline},
	{"GenerateLearning", ControlServer.GenerateLearning},
	{"MemoryStats", ControlServer.MemoryStats},
}

// Methods lists the control RPC names in declaration order.
func Methods() []string {
	names := make([]string, 0, len(controlMethods))
	for _, m := range controlMethods {
		names = append(names, m.name)
	}
	return names
}

// FullMethod returns the gRPC path of a control RPC.
func FullMethod(name string) string {
	return "/" + ControlServiceName + "/" + name
}

func controlServiceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ControlServiceName,
		HandlerType: (*ControlServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "mirador/chaos/v1/control.proto",
	}
	for _, m := range controlMethods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: m.name, Handler: unaryHandler(m)})
	}
	return desc
}

func unaryHandler(m controlMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m.call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(m.name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return m.call(srv.(ControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(controlServiceDesc(), srv)
}

// ControlClient calls the control surface by method name.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps an established connection.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

// Call invokes method with in; a nil request is sent as an empty object.
func (c *ControlClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
