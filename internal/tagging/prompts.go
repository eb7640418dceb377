package tagging

import "fmt"

const generatePrompt = `You are an expert in real estate video analysis and tagging.

Analyze the attached video frame and generate descriptive tags for the video.
The tags should be in the format YYYYMMDD_<PrimarySubject>_<KeyAttributes>_<ShotStyle?>_<TopTagCluster>_<shortHash>.mp4
based on a real estate video catalog and what is visible in the frame.

Filename: %s

Respond with a JSON object {"tags": "<generated tags>"} and nothing else.`

const refinePrompt = `You are an expert video tag refiner.

You are given the original tags for a video and feedback from a video editor.
Refine the tags based on the feedback to improve search accuracy. Keep the
original format unless the feedback asks otherwise.

Original Tags: %s
User Feedback: %s

Respond with a JSON object {"refinedTags": "<refined tags>"} and nothing else.`

func buildGeneratePrompt(filename string) string {
	return fmt.Sprintf(generatePrompt, filename)
}

func buildRefinePrompt(originalTags, feedback string) string {
	return fmt.Sprintf(refinePrompt, originalTags, feedback)
}
