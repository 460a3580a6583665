// control/clusterconfig.go
// Author: momentics <momentics@gmail.com>
//
// Typed accessors over spec.md §6's enumerated cluster configuration
// keys, layered on ConfigStore rather than replacing it: callers that
// just need "the current int for num_of_cluster_threads" get a typed
// getter; SetConfig/OnReload/GetSnapshot still work unmodified for raw
// access and hot-reload propagation.

package control

import "time"

// Cluster configuration keys (spec.md §6 "Configuration (enumerated)").
const (
	KeyNumClusterThreads        = "num_of_cluster_threads"
	KeyNumClusterConnections    = "num_of_cluster_connections"
	KeyClusterPort              = "cluster_port"
	KeyClusterConnectTimeout    = "cluster_connect_timeout"     // seconds
	KeyPingSendInterval         = "cluster_ping_send_interval"  // ns
	KeyPingLatencyThreshold     = "cluster_ping_latency_threshold" // ns
	KeyPingRetries              = "cluster_ping_retries"
	KeyFlowCtrlMinBps           = "cluster_flow_ctrl_min_bps"
	KeyFlowCtrlMaxBps           = "cluster_flow_ctrl_max_bps"
	KeySendMinWaitTime          = "cluster_send_min_wait_time" // µs
	KeySendMaxWaitTime          = "cluster_send_max_wait_time" // µs
	KeyMinLoopInterval          = "cluster_min_loop_interval" // µs
	KeyMaxLoopInterval          = "cluster_max_loop_interval" // µs
	KeySendBufferSize           = "cluster_send_buffer_size"
	KeyReceiveBufferSize        = "cluster_receive_buffer_size"
	KeyReadBufferSize           = "proxy.config.cluster.read_buffer_size"
)

// ClusterDefaults seeds a ConfigStore with the engine's out-of-the-box
// values, letting any key be overridden via SetConfig before Start.
func ClusterDefaults() map[string]any {
	return map[string]any{
		KeyNumClusterThreads:     4,
		KeyNumClusterConnections: 4,
		KeyClusterPort:           8086,
		KeyClusterConnectTimeout: int64(5),
		KeyPingSendInterval:      int64(5 * time.Second),
		KeyPingLatencyThreshold:  int64(2 * time.Second),
		KeyPingRetries:           3,
		KeyFlowCtrlMinBps:        int64(1 << 20),
		KeyFlowCtrlMaxBps:        int64(1 << 30),
		KeySendMinWaitTime:       int64(0),
		KeySendMaxWaitTime:       int64(2000),
		KeyMinLoopInterval:       int64(100),
		KeyMaxLoopInterval:       int64(10000),
		KeySendBufferSize:        256 << 10,
		KeyReceiveBufferSize:     256 << 10,
		KeyReadBufferSize:        2 << 20,
	}
}

// GetInt reads an int-typed key, returning def if absent or mistyped.
func (cs *ConfigStore) GetInt(key string, def int) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if v, ok := cs.config[key]; ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

// GetInt64 reads an int64-typed key, returning def if absent or mistyped.
func (cs *ConfigStore) GetInt64(key string, def int64) int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if v, ok := cs.config[key]; ok {
		if i, ok := v.(int64); ok {
			return i
		}
	}
	return def
}

// GetDuration reads an int64-nanosecond-typed key as a time.Duration.
func (cs *ConfigStore) GetDuration(key string, def time.Duration) time.Duration {
	return time.Duration(cs.GetInt64(key, int64(def)))
}

// GetMicros reads an int64-microsecond-typed key as a time.Duration.
func (cs *ConfigStore) GetMicros(key string, def time.Duration) time.Duration {
	v := cs.GetInt64(key, int64(def/time.Microsecond))
	return time.Duration(v) * time.Microsecond
}
