package strategy

// DefaultRegistry builds the Registry shipped with the daemon. Out-of-process
// strategies (see grpc_bridge.go) register themselves through the same Factory seam
// by name, so the executor never needs to know whether a strategy runs
// in-process or behind the gRPC bridge.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ma_crossover", NewMACrossover)
	r.Register("rsi_reversal", NewRSIReversal)
	return r
}
