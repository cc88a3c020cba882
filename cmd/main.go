package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dzfranklin/routes2sql"
	"github.com/spf13/pflag"
)

func usageAndDie() {
	fmt.Println("Example usage:\n" +
		"    routes2sql [--import <routes.json>]\n" +
		"    routes2sql --export <routes.json>\n" +
		"    routes2sql --clip-feature <feature_geojson.json>\n" +
		"The database is read from $DATABASE_URL unless --database is given.")
	os.Exit(1)
}

func main() {
	importPath := pflag.StringP("import", "i", "", "Import from a routes document (default $ROUTES_FILE or routes.json)")
	exportPath := pflag.StringP("export", "e", "", "Export the database to a routes document")
	clipFeaturePath := pflag.String("clip-feature", "", "Delete routes with no stop inside the GeoJSON feature in the file specified")
	primaryOptions := []*string{importPath, exportPath, clipFeaturePath}

	database := pflag.StringP("database", "d", "", "Database URL (default $DATABASE_URL)")
	envFile := pflag.String("env-file", ".env", "Load environment variables from this file if it exists")
	forceMode := pflag.BoolP("force-valid", "f", false, "Whether to fix issues by deleting routes during import")
	strictMode := pflag.Bool("strict", false, "Roll the import back if the consistency check finds issues")

	pflag.Parse()

	primaryCount := 0
	for _, opt := range primaryOptions {
		if *opt != "" {
			primaryCount++
		}
	}
	if primaryCount > 1 || pflag.NArg() > 0 {
		usageAndDie()
	}

	cfg, err := routes2sql.LoadConfig(*envFile)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	if *database != "" {
		cfg.DatabaseURL = *database
	}

	ctx := context.Background()

	if *exportPath != "" {
		err = routes2sql.ExportFile(ctx, cfg.DatabaseURL, *exportPath, &routes2sql.ExportOpts{})
	} else if *clipFeaturePath != "" {
		var feature []byte
		feature, err = os.ReadFile(*clipFeaturePath)
		if err != nil {
			panic(err)
		}
		_, err = routes2sql.ClipFile(ctx, cfg.DatabaseURL, string(feature))
	} else {
		inputPath := cfg.InputPath
		if *importPath != "" {
			inputPath = *importPath
		}
		opts := &routes2sql.ImportOpts{
			ForceValid: *forceMode,
			Strict:     *strictMode,
		}
		_, err = routes2sql.ImportFile(ctx, inputPath, cfg.DatabaseURL, opts)
		if err == nil {
			fmt.Println("Import complete.")
			return
		}
	}

	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	} else {
		fmt.Println("All done")
	}
}
