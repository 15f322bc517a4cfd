package main

import "github.com/BWLKyh/gulp-cli-automation/cmd"

func main() {
	cmd.Execute()
}
