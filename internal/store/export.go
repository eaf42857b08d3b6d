package store

import (
	"github.com/pavelanni/rapport/internal/model"
)

// Export builds export-ready results for every participant. Untouched
// questions are left out.
func (d *Database) Export() []model.ParticipantResult {
	snap := d.Snapshot()

	results := make([]model.ParticipantResult, 0, len(snap.Users))
	for _, u := range snap.Users {
		pr := model.ParticipantResult{Name: u.Name}
		for _, row := range u.Exos {
			for _, q := range row {
				if len(q.Messages) == 0 {
					continue
				}
				qr := model.QuestionResult{
					Exercise:  q.Exercise,
					Variation: q.Variation,
					State:     q.State(),
				}
				if ex, ok := d.catalog.Exercise(q.Exercise); ok {
					qr.ExerciseName = ex.Name
				}
				qr.Stimulus, _ = d.catalog.Variation(q.Exercise, q.Variation)
				for _, m := range q.Messages {
					qr.Conversation = append(qr.Conversation, model.ConversationMsg{
						Author:  m.Author,
						Content: m.Content,
						At:      m.Timestamp,
						Skipped: m.SkippedByTeacher,
					})
				}
				pr.Questions = append(pr.Questions, qr)
			}
		}
		results = append(results, pr)
	}
	return results
}
