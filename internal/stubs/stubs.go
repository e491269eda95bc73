package stubs

import (
	"fitchat/internal/models"
)

const (
	SessionID = "stub-session"
	CSRFToken = "stub-csrf"
)

var Me = models.User{ID: 1, Username: "alice"}

var Users = []models.User{
	Me,
	{ID: 2, Username: "bob"},
	{ID: 3, Username: "charlie"},
	{ID: 4, Username: "coach_dana"},
}
