package metrics

import "time"

// NoopMetrics is a no-operation Recorder used when metrics are disabled
type NoopMetrics struct{}

// Ensure NoopMetrics implements Recorder interface at compile time
var _ Recorder = (*NoopMetrics)(nil)

// NewNoopMetrics creates a new no-operation metrics recorder
func NewNoopMetrics() Recorder {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordAuthorizationCreated(success bool)                        {}
func (n *NoopMetrics) RecordSignatureVerification(result string)                      {}
func (n *NoopMetrics) RecordSettlement(method, result string, duration time.Duration) {}
func (n *NoopMetrics) RecordFacilitatorFallback()                                     {}
func (n *NoopMetrics) RecordExpired(count int)                                        {}
func (n *NoopMetrics) RecordSecurityEvent(kind string)                                {}
