package broker

import "context"

// NullAdapter implements Adapter with no-ops, for standalone use of the
// data engine without a control plane (discovery and liveness
// notifications are then the caller's own responsibility, e.g. a fixed
// config file naming the segment directly).
type NullAdapter struct{}

func (NullAdapter) RegisterProducer(context.Context, string, string, SchemaHashes, map[string]string) error {
	return nil
}

func (NullAdapter) DiscoverProducer(context.Context, string) (ProducerRecord, bool, error) {
	return ProducerRecord{}, false, nil
}

func (NullAdapter) DeregisterProducer(context.Context, string, uint64) error { return nil }

func (NullAdapter) RegisterConsumer(context.Context, string, string, uint64) error { return nil }

func (NullAdapter) DeregisterConsumer(context.Context, string, string) error { return nil }

func (NullAdapter) ReportChecksumError(string, uint64) {}

func (NullAdapter) Subscribe(Notifications) {}

func (NullAdapter) Close() error { return nil }
