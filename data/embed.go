// Package data embeds the default diagnosis list so a service starts without
// external files.
package data

import _ "embed"

// DiagnosisListName labels the embedded list in logs and rule sources
const DiagnosisListName = "embedded:diagnoseliste.csv"

// DiagnosisList is the bundled diagnosis list in CSV form
//
//go:embed diagnoseliste.csv
var DiagnosisList []byte
