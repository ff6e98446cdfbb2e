package main

import "github.com/andresmejia3/irisgate/cmd"

func main() {
	cmd.Execute()
}
