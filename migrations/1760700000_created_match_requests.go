package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("match_requests")

		collection.Fields.Add(
			&core.TextField{Name: "user_id", Required: true},
			&core.SelectField{Name: "difficulty", Required: true, MaxSelect: 1, Values: []string{"Easy", "Medium", "Hard"}},
			&core.TextField{Name: "topic", Required: true},
			&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: []string{"pending", "matched", "timeout", "cancelled"}},
			&core.DateField{Name: "created_at", Required: true},
			&core.DateField{Name: "matched_at"},
		)

		// at most one pending request per user is enforced in the service; this index serves the lookup
		collection.AddIndex("idx_match_requests_user_status", false, "user_id, status", "")
		collection.AddIndex("idx_match_requests_status", false, "status", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("match_requests")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
