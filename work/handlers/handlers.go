package handlers

import (
	"net/http"

	"iptv-tuner/work/tuner"

	"github.com/gorilla/mux"
)

func HandleDiscover(t *tuner.Tuner) http.HandlerFunc {
	return t.Discover
}

func HandleLineup(t *tuner.Tuner) http.HandlerFunc {
	return t.Lineup
}

func HandleLineupStatus(t *tuner.Tuner) http.HandlerFunc {
	return t.LineupStatus
}

func HandleLineupPost(t *tuner.Tuner) http.HandlerFunc {
	return t.LineupPost
}

func HandleGuide(t *tuner.Tuner) http.HandlerFunc {
	return t.Guide
}

func HandleStream(t *tuner.Tuner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		t.Stream(w, r, vars["channelID"])
	}
}

func HandleHealth(t *tuner.Tuner) http.HandlerFunc {
	return t.Health
}
