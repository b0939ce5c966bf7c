package monitor

import "github.com/kdimtricp/proctorwatch/internal/models"

var scenarioPriority = []struct {
	code     models.IncidentCode
	scenario models.Scenario
}{
	{models.IncidentMultipleFaces, models.ScenarioMultipleFaces},
	{models.IncidentFaceMismatch, models.ScenarioFaceMismatch},
	{models.IncidentNoFace, models.ScenarioNoFace},
	{models.IncidentSearchEngine, models.ScenarioSearchEngine},
	{models.IncidentChatApp, models.ScenarioChatApp},
	{models.IncidentVoiceDetected, models.ScenarioVoice},
	{models.IncidentLookingAway, models.ScenarioLookingAway},
}

// Resolve collects the alerts of results in order and picks the dominant
// scenario by fixed priority. It does not modify results.
func Resolve(results []models.ModalityResult) ([]models.Alert, models.Scenario) {
	alerts := []models.Alert{}
	present := map[models.IncidentCode]bool{}
	for _, r := range results {
		if r.Alert == nil {
			continue
		}
		alerts = append(alerts, *r.Alert)
		present[r.Alert.Type] = true
	}

	if len(alerts) == 0 {
		return alerts, models.ScenarioNormal
	}
	for _, p := range scenarioPriority {
		if present[p.code] {
			return alerts, p.scenario
		}
	}
	return alerts, models.ScenarioSuspicious
}
