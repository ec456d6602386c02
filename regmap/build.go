package regmap

// Row is one line of a register table. A Count above one declares an array.
type Row struct {
	Field
	Count  int
	Stride uint32
}

// Build adds every row of a register table to dev
func Build(dev *Device, rows []Row) error {
	for _, row := range rows {
		if row.Count > 1 {
			if err := dev.AddArray(row.Field, row.Count, row.Stride); err != nil {
				return err
			}
			continue
		}
		if err := dev.Add(row.Field); err != nil {
			return err
		}
	}
	return nil
}
