package incidents

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Incident is one row of the security_incidents table.
type Incident struct {
	Timestamp       time.Time
	Severity        string
	Category        string
	Description     string
	Status          string
	AffectedSystems string
	ReportedBy      string
	AssignedTo      string
	// ResolutionNotes is nil unless the incident is Resolved or Closed.
	ResolutionNotes *string
}

// Reference vocabularies for the sample data.
var (
	Severities = []string{"Low", "Medium", "High", "Critical"}
	Statuses   = []string{"Open", "In Progress", "Resolved", "Closed"}

	severityWeights = []float64{0.4, 0.3, 0.2, 0.1}

	categories = []string{
		"Phishing", "Malware", "Unauthorized Access", "Data Breach",
		"DDoS Attack", "Insider Threat", "Social Engineering",
		"Password Attack", "Man-in-the-Middle", "Ransomware",
	}
	systems = []string{
		"Email Server", "Web Application", "Database Server", "File Server",
		"Active Directory", "Network Infrastructure", "Cloud Services",
		"Endpoint Devices", "Mobile Devices", "IoT Devices",
	}
	departments = []string{"IT", "Finance", "HR", "Marketing", "Sales", "Operations", "R&D", "Legal"}

	employees = map[string][]string{
		"IT":         {"John Smith", "Emma Johnson", "Michael Chen", "Sarah Williams"},
		"Security":   {"David Rodriguez", "Lisa Patel", "Omar Hassan", "Kelly Morris"},
		"Finance":    {"Robert Taylor", "Jessica Lee", "Thomas Brown", "Amanda Clark"},
		"HR":         {"James Wilson", "Samantha Davis", "Christopher Martin", "Elizabeth Thompson"},
		"Marketing":  {"Daniel White", "Olivia Garcia", "Andrew Miller", "Sophia Moore"},
		"Sales":      {"Matthew Jackson", "Emily Martinez", "Ryan Anderson", "Jennifer Lewis"},
		"Operations": {"William Harris", "Nicole Robinson", "Benjamin Scott", "Rebecca Allen"},
		"R&D":        {"Joseph Hill", "Stephanie Green", "Brian Baker", "Michelle Adams"},
		"Legal":      {"Kevin Nelson", "Laura Phillips", "Tyler Evans", "Victoria Wright"},
	}
)

const (
	// sampleWindowDays bounds how far back sample incidents go.
	sampleWindowDays = 180
	// meanAgeDays is the mean of the exponential age distribution.
	meanAgeDays = 30
	// recentDays marks incidents that are still being worked on.
	recentDays = 7
)

// Generate returns n sample incidents relative to now. Ages follow an
// exponential distribution so recent weeks are denser; incidents from the last
// week are always Open or In Progress. The same r state yields the same data.
func Generate(r *rand.Rand, now time.Time, n int) []Incident {
	out := make([]Incident, 0, n)
	for range n {
		daysAgo := int(r.ExpFloat64()*meanAgeDays) % sampleWindowDays

		severity := weighted(r, Severities, severityWeights)
		category := pick(r, categories)

		status := pick(r, Statuses)
		if daysAgo <= recentDays {
			status = pick(r, Statuses[:2])
		}

		perm := r.Perm(len(systems))[:1+r.IntN(3)]
		affected := make([]string, len(perm))
		for i, p := range perm {
			affected[i] = systems[p]
		}
		affectedList := strings.Join(affected, ", ")

		dept := pick(r, departments)
		reporter := pick(r, employees[dept])
		assignee := pick(r, employees["Security"])

		inc := Incident{
			Timestamp:       now.AddDate(0, 0, -daysAgo),
			Severity:        severity,
			Category:        category,
			Description:     fmt.Sprintf("%s %s incident affecting %s in the %s department.", severity, category, affectedList, dept),
			Status:          status,
			AffectedSystems: affectedList,
			ReportedBy:      reporter,
			AssignedTo:      assignee,
		}
		if status == "Resolved" || status == "Closed" {
			notes := fmt.Sprintf("Issue resolved by %s. Mitigation measures implemented.", assignee)
			inc.ResolutionNotes = &notes
		}
		out = append(out, inc)
	}
	return out
}

func pick(r *rand.Rand, from []string) string {
	return from[r.IntN(len(from))]
}

// weighted picks from values using the parallel weights.
func weighted(r *rand.Rand, values []string, weights []float64) string {
	var total float64
	for _, w := range weights {
		total += w
	}
	x := r.Float64() * total
	for i, w := range weights {
		if x < w {
			return values[i]
		}
		x -= w
	}
	return values[len(values)-1]
}
