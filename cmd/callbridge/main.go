// Command callbridge bridges Twilio phone calls to a cloud voice agent.
//
// Usage:
//
//	callbridge serve                        # start the bridge
//	callbridge serve --config callbridge.yaml
//	callbridge health --addr http://localhost:8080
//	callbridge version
package main

func main() {
	Execute()
}
