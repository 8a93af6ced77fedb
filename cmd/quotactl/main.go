// Command quotactl inspects and adjusts usage quotas from an operator shell.
// It reads the same environment as the server.
package main

func main() {
	Execute()
}
