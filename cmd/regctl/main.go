// regctl is the operator CLI for the registration engine.
package main

func main() {
	Execute()
}
