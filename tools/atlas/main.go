// atlas 的 external_schema 程式，輸出 gorm 模型對應的 DDL
//
//	data "external_schema" "gorm" {
//	  program = ["go", "run", "./tools/atlas"]
//	}
package main

import (
	"fmt"
	"io"
	"os"

	"ariga.io/atlas-provider-gorm/gormschema"

	"auction/adapters/store"
)

func main() {
	dialect := "postgres"
	if len(os.Args) > 1 {
		dialect = os.Args[1]
	}
	stmts, err := gormschema.New(dialect).Load(store.Models()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load gorm schema: %v\n", err)
		os.Exit(1)
	}
	io.WriteString(os.Stdout, stmts)
}
