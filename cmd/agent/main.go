// Agent buffers telemetry logs on disk and delivers them in batches to an
// ingestion backend.
//
// Usage:
//
//	# Run the delivery pipeline
//	agent run --config /etc/logagent/config.yaml
//
//	# Show queued logs per group
//	agent status --config /etc/logagent/config.yaml
//
//	# Queue a single event
//	agent send --group events --name deploy --prop env=prod
package main

func main() {
	Execute()
}
