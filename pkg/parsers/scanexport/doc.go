// Package scanexport parses vulnerability-scan export files into raw finding
// records, independent of any persistence or application concerns.
//
// Two interchangeable source formats are supported behind the Source
// interface:
//
//   - the scanner's native structured export: a JSON document with a
//     top-level "findings" array
//   - the flattened tabular export: a CSV file with one finding-resource
//     row per line and a fixed header vocabulary
//
// Detection is by file extension first (".json", ".csv", with an optional
// ".gz" suffix for compressed exports), then lightweight structural
// validation: the JSON source requires the top-level "findings" key, the CSV
// source requires its mandatory header columns. Parsing never attempts
// partial recovery; any structural failure rejects the whole file.
//
// Usage:
//
//	raws, format, err := scanexport.Decode("03-15-2024.json", data)
//
// or, when the source is selected up front:
//
//	src, err := scanexport.Detect("03-15-2024.csv")
//	raws, err := src.Parse(data)
//
// The package is pure and stateless; normalization of raw findings into
// domain entities happens downstream.
package scanexport
