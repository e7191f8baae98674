package config

import (
	"fmt"
	"os"

	"cinebook/internal/models"

	"gopkg.in/yaml.v3"
)

// CatalogSeed is the static showtime and seat data loaded at startup.
type CatalogSeed struct {
	Showtimes []models.Showtime `yaml:"showtimes"`
	Seats     []models.Seat     `yaml:"seats"`
}

// LoadCatalog reads and validates a catalog seed file.
func LoadCatalog(path string) (*CatalogSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var seed CatalogSeed
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &seed); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	if err := ValidateCatalog(&seed); err != nil {
		return nil, err
	}
	return &seed, nil
}

// ValidateCatalog checks ids and fills TotalSeats from the screen layout.
func ValidateCatalog(seed *CatalogSeed) error {
	seatIDs := make(map[string]bool, len(seed.Seats))
	perScreen := make(map[string]int)
	positions := make(map[string]bool, len(seed.Seats))
	for i := range seed.Seats {
		seat := &seed.Seats[i]
		if seat.ID == "" || seat.ScreenID == "" {
			return fmt.Errorf("seat #%d: id and screen_id are required", i)
		}
		if seatIDs[seat.ID] {
			return fmt.Errorf("duplicate seat ID found: %s", seat.ID)
		}
		seatIDs[seat.ID] = true

		pos := fmt.Sprintf("%s/%s/%d", seat.ScreenID, seat.Row, seat.Column)
		if positions[pos] {
			return fmt.Errorf("seat %s duplicates position %s", seat.ID, pos)
		}
		positions[pos] = true

		if seat.Tier == "" {
			seat.Tier = models.TierRegular
		}
		if !seat.Tier.Valid() {
			return fmt.Errorf("seat %s has unknown tier %q", seat.ID, seat.Tier)
		}
		perScreen[seat.ScreenID]++
	}

	showtimeIDs := make(map[string]bool, len(seed.Showtimes))
	for i := range seed.Showtimes {
		st := &seed.Showtimes[i]
		if st.ID == "" {
			return fmt.Errorf("showtime #%d has empty id", i)
		}
		if showtimeIDs[st.ID] {
			return fmt.Errorf("duplicate showtime ID found: %s", st.ID)
		}
		showtimeIDs[st.ID] = true

		if st.BasePrice < 0 {
			return fmt.Errorf("showtime %s has negative base price", st.ID)
		}
		seats := perScreen[st.ScreenID]
		if seats == 0 {
			return fmt.Errorf("showtime %s references screen %q without seats", st.ID, st.ScreenID)
		}
		if st.TotalSeats == 0 {
			st.TotalSeats = seats
		}
		if st.TotalSeats != seats {
			return fmt.Errorf("showtime %s declares %d seats, screen %s has %d", st.ID, st.TotalSeats, st.ScreenID, seats)
		}
		if st.Status == "" {
			st.Status = models.ShowtimeActive
		}
	}
	return nil
}
