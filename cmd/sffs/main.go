// Command sffs manages SFFS flash images: formatting, inspection and a
// randomized stress harness.
package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/iqyx/sffs"
	"github.com/iqyx/sffs/flash"
	"github.com/iqyx/sffs/fs"
)

func main() {
	app := cli.App{
		Usage: "Manage SFFS images on raw NOR flash dumps",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
			&cli.UintFlag{
				Name:  "page-size",
				Value: 256,
				Usage: "flash page size in bytes",
			},
			&cli.UintFlag{
				Name:  "sector-size",
				Value: 4096,
				Usage: "flash sector size in bytes",
			},
		},
		Before: func(context *cli.Context) error {
			if context.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or wipe an image",
				Action:    formatImage,
				ArgsUsage: "IMAGE_FILE",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  "capacity",
						Value: 1 << 20,
						Usage: "device capacity in bytes",
					},
					&cli.StringFlag{
						Name:  "label",
						Value: "sffs",
						Usage: "filesystem label, at most 8 bytes",
					},
				},
			},
			{
				Name:      "info",
				Usage:     "Show label, geometry and usage of an image",
				Action:    showInfo,
				ArgsUsage: "IMAGE_FILE",
			},
			{
				Name:      "debug",
				Usage:     "Print the sector and page state map",
				Action:    debugPrint,
				ArgsUsage: "IMAGE_FILE",
			},
			{
				Name:      "report",
				Usage:     "Export the metadata inventory as CSV",
				Action:    reportCSV,
				ArgsUsage: "IMAGE_FILE",
			},
			{
				Name:   "stress",
				Usage:  "Run a seeded random workload against a RAM device",
				Action: stress,
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  "capacity",
						Value: 1 << 20,
						Usage: "device capacity in bytes",
					},
					&cli.Uint64Flag{
						Name:  "iterations",
						Value: 10000,
						Usage: "number of workload operations",
					},
					&cli.UintFlag{
						Name:  "files",
						Value: 50,
						Usage: "number of files in play",
					},
					&cli.Int64Flag{
						Name:  "seed",
						Value: 1,
						Usage: "PRNG seed",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatalf("fatal error: %s", err.Error())
	}
}

func geometryFromFlags(context *cli.Context, capacity uint32) sffs.FlashInfo {
	return sffs.FlashInfo{
		Capacity:   capacity,
		PageSize:   uint32(context.Uint("page-size")),
		SectorSize: uint32(context.Uint("sector-size")),
		BlockSize:  uint32(context.Uint("sector-size")),
	}
}

// openImage opens an existing image file and wraps it as a flash device.
// The capacity is taken from the file size.
func openImage(context *cli.Context) (*flash.Stream, *os.File, error) {
	if context.NArg() != 1 {
		return nil, nil, fmt.Errorf("expected exactly one image file argument")
	}

	file, err := os.OpenFile(context.Args().First(), os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	dev, err := flash.NewStream(file, geometryFromFlags(context, uint32(stat.Size())))
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return dev, file, nil
}

func mountImage(context *cli.Context) (*fs.Filesystem, *os.File, error) {
	dev, file, err := openImage(context)
	if err != nil {
		return nil, nil, err
	}

	fsys := fs.New()
	if err := fsys.Mount(dev); err != nil {
		file.Close()
		return nil, nil, err
	}
	return fsys, file, nil
}

func formatImage(context *cli.Context) error {
	if context.NArg() != 1 {
		return fmt.Errorf("expected exactly one image file argument")
	}
	capacity := uint32(context.Uint("capacity"))

	file, err := os.OpenFile(context.Args().First(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	// Size the file and put it into the erased state before formatting.
	if err := file.Truncate(int64(capacity)); err != nil {
		return err
	}
	blank := bytes.Repeat([]byte{0xFF}, int(capacity))
	if _, err := file.WriteAt(blank, 0); err != nil {
		return err
	}

	dev, err := flash.NewStream(file, geometryFromFlags(context, capacity))
	if err != nil {
		return err
	}
	return fs.Format(dev, context.String("label"))
}

func showInfo(context *cli.Context) error {
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

	states := map[string]int{}
	for _, record := range records {
		states[record.State]++
	}

	geo := fsys.Geometry()
	fmt.Printf("label:             %s\n", fsys.Label())
	fmt.Printf("sectors:           %d x %d B\n", geo.SectorCount, geo.SectorSize)
	fmt.Printf("data pages/sector: %d x %d B\n", geo.DataPagesPerSector, geo.PageSize)
	fmt.Printf("pages used:        %d\n", states["used"])
	fmt.Printf("pages moving:      %d\n", states["moving"])
	fmt.Printf("pages old:         %d\n", states["old"])
	fmt.Printf("pages reserved:    %d\n", states["reserved"])
	fmt.Printf("pages erased:      %d\n", states["erased"])
	return nil
}

func debugPrint(context *cli.Context) error {
	fsys, file, err := mountImage(context)
	if err != nil {
		return err
	}
	defer file.Close()
	defer fsys.Free()

	fsys.DebugPrint(os.Stdout)
	return nil
}
