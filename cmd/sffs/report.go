package main

import (
	"os"

	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"
)

// reportCSV dumps the full metadata inventory, one row per data page, for
// offline wear and occupancy analysis.
func reportCSV(context *cli.Context) error {
	fsys, file, err := mountImage(context)
	if err != nil {
		return err
	}
	defer file.Close()
	defer fsys.Free()

	records, err := fsys.Inventory()
	if err != nil {
		return err
	}
	return gocsv.Marshal(&records, os.Stdout)
}
