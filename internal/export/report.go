package export

import (
	"fmt"
	"io"
	"sort"

	"cinebook/internal/models"

	"github.com/xuri/excelize/v2"
)

var headers = []string{"Booking", "User", "Status", "Seat", "Tier", "Price", "Created", "Confirmed"}

const timeLayout = "2006-01-02 15:04:05"

// WriteBookingsReport writes an XLSX workbook with one row per booked seat of the showtime
// followed by a totals row. Cancelled bookings are listed but left out of the totals.
func WriteBookingsReport(w io.Writer, sheetName string, showtime *models.Showtime, bookings []*models.Booking) error {
	if sheetName == "" {
		sheetName = "Bookings"
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if sheetName != "Sheet1" {
		_ = f.DeleteSheet("Sheet1")
	}

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Showtime %s: %s on %s at %s",
		showtime.ID, showtime.MovieID, showtime.ScreenID, showtime.StartsAt.UTC().Format(timeLayout)))
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 14},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheetName, cell, h)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	ordered := append([]*models.Booking(nil), bookings...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	row := 3
	var seats int
	var revenue int64
	for _, b := range ordered {
		for _, seat := range b.Seats {
			confirmed := ""
			if b.ConfirmedAt != nil {
				confirmed = b.ConfirmedAt.UTC().Format(timeLayout)
			}
			values := []interface{}{
				b.ID, b.UserID, string(b.Status), seat.SeatID, string(seat.Tier), seat.Price,
				b.CreatedAt.UTC().Format(timeLayout), confirmed,
			}
			for col, v := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				_ = f.SetCellValue(sheetName, cell, v)
			}
			row++

			if b.Status != models.BookingCancelled {
				seats++
				revenue += seat.Price
			}
		}
	}

	totalStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E2EFDA"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	labelCell, _ := excelize.CoordinatesToCellName(1, row)
	seatsCell, _ := excelize.CoordinatesToCellName(4, row)
	revenueCell, _ := excelize.CoordinatesToCellName(6, row)
	_ = f.SetCellValue(sheetName, labelCell, "Total")
	_ = f.SetCellValue(sheetName, seatsCell, seats)
	_ = f.SetCellValue(sheetName, revenueCell, revenue)
	_ = f.SetCellStyle(sheetName, labelCell, revenueCell, totalStyle)

	_ = f.SetColWidth(sheetName, "A", "B", 38)
	_ = f.SetColWidth(sheetName, "C", "F", 12)
	_ = f.SetColWidth(sheetName, "G", "H", 20)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}
