package strategy

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"tradingd/internal/broker"
)

// This file implements the out-of-process strategy bridge: a strategy may
// run as a separate process (e.g. a Python research strategy) and be driven
// over gRPC instead of in-process Go. Wire messages are structpb.Struct
// (a real, already-compiled protobuf message — no code generation step is
// needed to exchange arbitrary JSON-shaped params/candle/signal payloads),
// matching the teacher's own grpc_client.go/python_bridge.go split between a
// thin Go-side adapter and an out-of-process strategy runtime.

// strategyBridgeServiceName is the gRPC service path, mirroring what
// protoc-gen-go-grpc would generate for a service named StrategyBridge.
const strategyBridgeServiceName = "tradingd.strategy.StrategyBridge"

// StrategyBridgeServer is implemented by the out-of-process strategy runtime.
type StrategyBridgeServer interface {
	Configure(ctx context.Context, params *structpb.Struct) (*structpb.Struct, error)
	OnCandle(ctx context.Context, candle *structpb.Struct) (*structpb.Struct, error)
	OnTick(ctx context.Context, tick *structpb.Struct) (*structpb.Struct, error)
}

// RegisterStrategyBridgeServer wires srv into a grpc.Server the way
// protoc-gen-go-grpc's generated RegisterXServer does, using a hand-built
// ServiceDesc since no .proto file is compiled for this bridge.
func RegisterStrategyBridgeServer(s *grpc.Server, srv StrategyBridgeServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: strategyBridgeServiceName,
		HandlerType: (*StrategyBridgeServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Configure", Handler: configureHandler(srv)},
			{MethodName: "OnCandle", Handler: onCandleHandler(srv)},
			{MethodName: "OnTick", Handler: onTickHandler(srv)},
		},
	}, srv)
}

func configureHandler(srv StrategyBridgeServer) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		return srv.Configure(ctx, in)
	}
}

func onCandleHandler(srv StrategyBridgeServer) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		return srv.OnCandle(ctx, in)
	}
}

func onTickHandler(srv StrategyBridgeServer) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		return srv.OnTick(ctx, in)
	}
}

// grpcStrategy adapts a remote StrategyBridgeServer to the Strategy contract,
// so the executor drives it exactly like an in-process strategy.
type grpcStrategy struct {
	name   string
	conn   *grpc.ClientConn
	warmup int
}

// NewGRPCStrategy dials target and returns a Strategy that forwards every
// call over the bridge. The returned Strategy owns conn and should be closed
// via Close when the executor tears down.
func NewGRPCStrategy(name, target string) (Strategy, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("strategy: dial bridge %s: %w", target, err)
	}
	return &grpcStrategy{name: name, conn: conn}, nil
}

func (g *grpcStrategy) Name() string { return g.name }

func (g *grpcStrategy) Close() error { return g.conn.Close() }

func (g *grpcStrategy) Configure(params []byte) error {
	req, err := jsonToStruct(params)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := g.conn.Invoke(context.Background(), fullMethod("Configure"), req, reply); err != nil {
		return err
	}
	g.warmup = int(numberField(reply, "required_warmup"))
	return nil
}

// RequiredWarmup returns the warmup count the bridge reported during
// Configure; the contract has no standalone RPC for it since the value never
// changes after configuration.
func (g *grpcStrategy) RequiredWarmup() int { return g.warmup }

func (g *grpcStrategy) OnTick(tick broker.Tick) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"symbol": structpb.NewStringValue(tick.Symbol),
		"price":  structpb.NewNumberValue(tick.Price),
		"t":      structpb.NewNumberValue(float64(tick.T)),
	}}
	reply := new(structpb.Struct)
	_ = g.conn.Invoke(context.Background(), fullMethod("OnTick"), req, reply)
}

func (g *grpcStrategy) OnCandle(candle broker.Candle) Signal {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"t": structpb.NewNumberValue(float64(candle.T)),
		"o": structpb.NewNumberValue(candle.O),
		"h": structpb.NewNumberValue(candle.H),
		"l": structpb.NewNumberValue(candle.L),
		"c": structpb.NewNumberValue(candle.C),
		"v": structpb.NewNumberValue(candle.V),
	}}
	reply := new(structpb.Struct)
	if err := g.conn.Invoke(context.Background(), fullMethod("OnCandle"), req, reply); err != nil {
		return Signal{Kind: SignalNone}
	}
	return structToSignal(reply)
}

func fullMethod(name string) string {
	return "/" + strategyBridgeServiceName + "/" + name
}

func jsonToStruct(raw []byte) (*structpb.Struct, error) {
	if len(raw) == 0 {
		return &structpb.Struct{}, nil
	}
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("strategy: marshal params for bridge: %w", err)
	}
	return s, nil
}

func structToSignal(s *structpb.Struct) Signal {
	kind := SignalKind(stringField(s, "kind", string(SignalNone)))
	return Signal{
		Kind:       kind,
		Entry:      numberField(s, "entry"),
		Stop:       numberField(s, "stop"),
		TakeProfit: numberField(s, "take_profit"),
	}
}

func stringField(s *structpb.Struct, key, def string) string {
	if v, ok := s.Fields[key]; ok {
		return v.GetStringValue()
	}
	return def
}

func numberField(s *structpb.Struct, key string) float64 {
	if v, ok := s.Fields[key]; ok {
		return v.GetNumberValue()
	}
	return 0
}
