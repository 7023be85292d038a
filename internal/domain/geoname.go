package domain

// Geoname is an immutable snapshot of a geographic entry from the geonames
// service. Campaign tasks carry the id and name only; the full record is
// used during task materialization.
type Geoname struct {
	GeonameID   int     `json:"geoname_id"`
	Name        string  `json:"name"`
	CountryCode string  `json:"country_code"`
	Admin1Code  string  `json:"admin1_code,omitempty"`
	Admin2Code  string  `json:"admin2_code,omitempty"`
	FeatureCode string  `json:"feature_code,omitempty"`
	Population  int     `json:"population"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// Country is a country entry from the geonames service.
type Country struct {
	GeonameID  int    `json:"geoname_id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	Continent  string `json:"continent,omitempty"`
	Capital    string `json:"capital,omitempty"`
	Population int    `json:"population"`
	Languages  string `json:"languages,omitempty"`
}

// Coordinates is an immutable lat/lng pair.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
