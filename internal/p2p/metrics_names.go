package p2p

// Metric family names emitted by the transports.
const (
	MetricP2PMessagesTotal = "p2p_msgs_total"  // {proto,direction,result}
	MetricP2PBytesTotal    = "p2p_bytes_total" // {proto,direction}
	MetricRequestsLimited  = "p2p_requests_limited_total"
	MetricRequestsInflight = "p2p_requests_inflight"
)
