package main

import "github.com/BaardBouvet/dynamic-tables-ducklake/app/cli"

func main() {
	cli.Execute()
}
