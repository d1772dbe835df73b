package main

import "fmt"

const (
	MsgNoDetections = "No objects were detected in the image. Try a sharper photo, or lower the confidence threshold for the classes you expect."

	MsgModelNotLoaded = "No model is loaded yet. Load a model with POST /model/load before sending images."

	msgAnomalyFormat = "Anomaly detected: %d region(s) classified as %q. Please review the highlighted areas."
)

func anomalyWarning(count int, className string) string {
	return fmt.Sprintf(msgAnomalyFormat, count, className)
}
