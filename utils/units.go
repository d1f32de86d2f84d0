package utils

import "fmt"

var siPrefixes = []struct {
	scale  float64
	prefix string
}{
	{1e9, " G"},
	{1e6, " M"},
	{1e3, " K"},
}

func SiUnits(number float64, decimals int) string {
	for _, p := range siPrefixes {
		if number >= p.scale {
			return fmt.Sprintf("%.*f%s", decimals, number/p.scale, p.prefix)
		}
	}
	return fmt.Sprintf("%.*f", decimals, number)
}
