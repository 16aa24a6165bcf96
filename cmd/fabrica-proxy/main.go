// fabrica-proxy is a forward HTTP/1.x proxy driven by a single-threaded epoll loop.
//
// Usage:
//
//	# Listen on the default address
//	fabrica-proxy run
//
//	# Load a configuration file and expose /health and /metrics
//	fabrica-proxy run --conf /etc/fabrica-proxy.yaml --health 127.0.0.1:2539
package main

func main() {
	Execute()
}
