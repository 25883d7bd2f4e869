package config

type WorkerKeyStruct struct {
	PersistAnswersQueue          string
	PersistScoresQueue           string
	PersistMonitoringEventsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:          "persist_answers_queue",
	PersistScoresQueue:           "persist_scores_queue",
	PersistMonitoringEventsQueue: "persist_monitoring_events_queue",
}
