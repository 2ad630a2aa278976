package i18n

var french = Catalog{
	"vote.title":         "Nouveaux votes",
	"vote.single.body":   "%s a voté pour « %s »",
	"vote.multiple.body": "%d personnes ont voté pour « %s »",

	"status.title":           "Mise à jour de l'événement",
	"status.body":            "« %s » est maintenant %s",
	"status.body.POLLING":    "Le sondage de « %s » est ouvert",
	"status.body.CONFIRMED":  "La date de « %s » est confirmée",
	"status.body.ORGANIZING": "L'organisation de « %s » commence",
	"status.body.FINALIZED":  "« %s » est finalisé",

	"comment.title": "Nouveau commentaire",
	"comment.body":  "%s a commenté « %s » : %s",

	"deadline.title":    "Fin du sondage",
	"deadline.24h.body": "Plus que 24 heures pour voter sur « %s »",
	"deadline.1h.body":  "Plus qu'une heure pour voter sur « %s »",

	"dayof.title": "C'est aujourd'hui !",
	"dayof.body":  "« %s » a lieu aujourd'hui",

	"digest.title":                  "Votre résumé de la semaine",
	"digest.body":                   "Vous avez %d notifications non lues : %s",
	"digest.kind.vote":              "%d votes",
	"digest.kind.status_changed":    "%d changements de statut",
	"digest.kind.comment":           "%d commentaires",
	"digest.kind.deadline_reminder": "%d rappels de sondage",
	"digest.kind.day_of_reminder":   "%d rappels d'événement",
}

var english = Catalog{
	"vote.title":         "New votes",
	"vote.single.body":   "%s voted on “%s”",
	"vote.multiple.body": "%d people voted on “%s”",

	"status.title":           "Event update",
	"status.body":            "“%s” is now %s",
	"status.body.POLLING":    "The poll for “%s” is open",
	"status.body.CONFIRMED":  "The date for “%s” is confirmed",
	"status.body.ORGANIZING": "Planning for “%s” has started",
	"status.body.FINALIZED":  "“%s” is finalized",

	"comment.title": "New comment",
	"comment.body":  "%s commented on “%s”: %s",

	"deadline.title":    "Poll closing",
	"deadline.24h.body": "24 hours left to vote on “%s”",
	"deadline.1h.body":  "One hour left to vote on “%s”",

	"dayof.title": "It's today!",
	"dayof.body":  "“%s” is happening today",

	"digest.title":                  "Your weekly summary",
	"digest.body":                   "You have %d unread notifications: %s",
	"digest.kind.vote":              "%d votes",
	"digest.kind.status_changed":    "%d status changes",
	"digest.kind.comment":           "%d comments",
	"digest.kind.deadline_reminder": "%d poll reminders",
	"digest.kind.day_of_reminder":   "%d event reminders",
}
