package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kennyphilp/trainsai/resolve"
)

func parseLatLon(s string) (float64, float64, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected \"lat,lon\", got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad longitude: %w", err)
	}
	return lat, lon, nil
}

var stationsCmd = &cobra.Command{
	Use:   "stations <query>",
	Short: "Search the station index by name, CRS or TIPLOC",
	Args:  cobra.MaximumNArgs(1),
	Run:   runStations,
}

var (
	stationsLimit int
	stationsNear  string
)

func init() {
	stationsCmd.Flags().IntVarP(&stationsLimit, "limit", "l", resolve.DefaultLimit, "maximum number of matches")
	stationsCmd.Flags().StringVarP(&stationsNear, "near", "", "", "list stations nearest to \"lat,lon\" instead of searching")
}

func runStations(cmd *cobra.Command, args []string) {
	log := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Error("configuration error")
		os.Exit(exitConfig)
	}

	store, err := openStorage(cfg)
	if err != nil {
		log.WithError(err).Error("opening schedule store")
		os.Exit(exitStore)
	}
	defer store.Close()

	resolver, err := resolve.NewResolver(store)
	if err != nil {
		log.WithError(err).Error("loading station index")
		os.Exit(exitStore)
	}

	if stationsNear != "" {
		lat, lon, err := parseLatLon(stationsNear)
		if err != nil {
			log.WithError(err).Error("bad --near value")
			os.Exit(exitConfig)
		}
		for _, n := range resolver.Nearest(lat, lon, stationsLimit) {
			fmt.Printf("%7.1f km  %-7s %-3s  %s\n",
				n.DistanceKm, n.Station.Tiploc, n.Station.CRS, n.Station.Name)
		}
		return
	}

	if len(args) == 0 {
		log.Error("a query or --near is required")
		os.Exit(exitConfig)
	}

	matches, err := resolver.Search(args[0], stationsLimit)
	if err != nil {
		log.WithError(err).Error("search failed")
		os.Exit(exitRuntime)
	}
	if len(matches) == 0 {
		fmt.Println("no matches")
		return
	}

	for _, m := range matches {
		coord := ""
		if m.Station.HasCoord {
			coord = fmt.Sprintf("  (%.4f, %.4f)", m.Station.Lat, m.Station.Lon)
		}
		fmt.Printf("%3d  %-7s %-3s  %s%s\n",
			m.Score, m.Station.Tiploc, m.Station.CRS, m.Station.Name, coord)
	}
}
