// Package orgtype maps IATI organisation type codes to the coarse
// categories the activity register stores.
package orgtype

import "strings"

type Category string

const (
	Government   Category = "government"
	NGO          Category = "ngo"
	INGO         Category = "ingo"
	Multilateral Category = "multilateral"
	Private      Category = "private"
	Academic     Category = "academic"
	Other        Category = "other"
)

var codes = map[string]Category{
	"10": Government, // government
	"11": Government, // local government
	"15": Government, // other public sector
	"21": INGO,
	"22": NGO, // national NGO
	"23": NGO, // regional NGO
	"24": NGO, // partner country based NGO
	"30": Multilateral, // public private partnership
	"40": Multilateral,
	"60": Private, // foundation
	"70": Private,
	"71": Private,
	"72": Private,
	"73": Private,
	"80": Academic,
	"90": Other,
}

// Lookup returns the category for an IATI organisation type code.
func Lookup(code string) (Category, bool) {
	c, ok := codes[strings.TrimSpace(code)]
	return c, ok
}

// Known reports whether code is a recognised organisation type.
func Known(code string) bool {
	_, ok := Lookup(code)
	return ok
}
