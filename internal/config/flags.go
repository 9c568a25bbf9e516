package config

import (
	"time"

	"github.com/spf13/pflag"
)

type Flags struct {
	ProductFlavor string
	FlavorsFile   string
	CompanyCode   string
	IdleTimeout   time.Duration
	CSVFile       string
	DryRun        bool
	Version       bool
}

func ParseFlags(name string, args []string) (Flags, error) {
	var f Flags
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&f.ProductFlavor, "product-flavor", "f", "", "product flavor selecting broker and credentials (e.g. EPAY)")
	fs.StringVar(&f.FlavorsFile, "flavors-file", "", "YAML file with product flavor definitions")
	fs.StringVar(&f.CompanyCode, "company-code", "", "override the flavor's company code")
	fs.DurationVar(&f.IdleTimeout, "idle-timeout", 0, "stop after this long without a response (overrides IDLE_TIMEOUT)")
	fs.StringVar(&f.CSVFile, "csv-file", "", "CSV file name under DATA_DIR (overrides FILE_NAME)")
	fs.BoolVar(&f.DryRun, "dry-run", false, "skip database writes")
	fs.BoolVar(&f.Version, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}
