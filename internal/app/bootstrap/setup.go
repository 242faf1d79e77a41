package bootstrap

import (
	"fmt"

	"proxyfleet/internal/config"
	"proxyfleet/internal/database"
	"proxyfleet/internal/geolite"

	"github.com/charmbracelet/log"
)

// Setup loads settings and opens the database. It must run before any
// routine or handler touches config or database.
func Setup() error {
	config.ReadSettings()

	if _, err := database.SetupDB(); err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}
	config.SetBetweenTime()

	if geolite.Default().Available() {
		log.Info("GeoLite database loaded, egress IPs will be geolocated")
	} else {
		log.Debug("No GeoLite database configured, skipping egress geolocation")
	}
	return nil
}
