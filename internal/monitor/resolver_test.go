package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

func withAlerts(codes ...models.IncidentCode) []models.ModalityResult {
	results := []models.ModalityResult{
		models.PlaceholderResult(models.KindAudioAnalysis),
		{Kind: models.KindScreenAnalysis, Status: models.StatusClean},
	}
	for _, c := range codes {
		results = append(results, models.ModalityResult{Kind: models.KindBehavior, Status: models.StatusNormal, Alert: models.NewAlert(c)})
	}
	return results
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		codes    []models.IncidentCode
		scenario models.Scenario
	}{
		{"no alerts", nil, models.ScenarioNormal},
		{"multiple faces beats looking away", []models.IncidentCode{models.IncidentLookingAway, models.IncidentMultipleFaces}, models.ScenarioMultipleFaces},
		{"search engine beats voice", []models.IncidentCode{models.IncidentVoiceDetected, models.IncidentSearchEngine}, models.ScenarioSearchEngine},
		{"mismatch beats no face", []models.IncidentCode{models.IncidentNoFace, models.IncidentFaceMismatch}, models.ScenarioFaceMismatch},
		{"no face beats chat", []models.IncidentCode{models.IncidentChatApp, models.IncidentNoFace}, models.ScenarioNoFace},
		{"chat beats voice", []models.IncidentCode{models.IncidentVoiceDetected, models.IncidentChatApp}, models.ScenarioChatApp},
		{"voice beats gaze", []models.IncidentCode{models.IncidentLookingAway, models.IncidentVoiceDetected}, models.ScenarioVoice},
		{"looking away", []models.IncidentCode{models.IncidentLookingAway}, models.ScenarioLookingAway},
		{"unknown alert", []models.IncidentCode{"Z9"}, models.ScenarioSuspicious},
		{"known beats unknown", []models.IncidentCode{"Z9", models.IncidentLookingAway}, models.ScenarioLookingAway},
		{"timer codes alone are unmatched", []models.IncidentCode{models.IncidentIdle}, models.ScenarioSuspicious},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := withAlerts(tt.codes...)
			alerts, scenario := Resolve(results)
			assert.Equal(t, tt.scenario, scenario)
			assert.Len(t, alerts, len(tt.codes))

			again, scenario2 := Resolve(results)
			assert.Equal(t, alerts, again)
			assert.Equal(t, scenario, scenario2)
		})
	}
}

func TestResolve_PreservesAlertOrder(t *testing.T) {
	alerts, _ := Resolve(withAlerts(models.IncidentVoiceDetected, models.IncidentNoFace))
	assert.Equal(t, models.IncidentVoiceDetected, alerts[0].Type)
	assert.Equal(t, models.IncidentNoFace, alerts[1].Type)

	empty, scenario := Resolve(nil)
	assert.NotNil(t, empty)
	assert.Equal(t, models.ScenarioNormal, scenario)
}
