// Command chatctl is an operator CLI for the support chat API.
package main

func main() {
	Execute()
}
