package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"geo-harvest/models"
)

// SystemActorUsername ist der feste Name des Systemakteurs, dem geharvestete Werke zugeordnet werden.
const SystemActorUsername = "harvest_admin_command"

// ResolveSystemActor liefert den Systemakteur und legt ihn beim ersten Aufruf an.
// Der Akteur ist nie aktiv, nie Staff und nie Superuser.
func ResolveSystemActor(ctx context.Context, db *gorm.DB) (*models.User, error) {
	db = db.WithContext(ctx)
	var actor models.User
	err := db.Where(models.User{Username: SystemActorUsername}).
		Attrs(models.User{Email: SystemActorUsername + "@system.local"}).
		FirstOrCreate(&actor).Error
	if err != nil {
		// Paralleler Start: der andere Prozess hat die Zeile gerade angelegt.
		if err2 := db.Where("username = ?", SystemActorUsername).First(&actor).Error; err2 != nil {
			return nil, fmt.Errorf("resolve system actor: %w", err)
		}
	}

	if actor.IsActive || actor.IsStaff || actor.IsSuperuser {
		err := db.Model(&actor).Updates(map[string]any{
			"is_active":    false,
			"is_staff":     false,
			"is_superuser": false,
		}).Error
		if err != nil {
			return nil, fmt.Errorf("demote system actor: %w", err)
		}
		actor.IsActive, actor.IsStaff, actor.IsSuperuser = false, false, false
	}
	return &actor, nil
}
