package bundle

import (
	"github.com/tmerz/assetcalc/drivers/csvhist"
	"github.com/tmerz/assetcalc/drivers/random"
)

// RegisterAll registers the bundled historian drivers with the provider
// registry. Safe to call once per process.
func RegisterAll() error {
	if err := random.Register(); err != nil {
		return err
	}
	return csvhist.Register()
}
