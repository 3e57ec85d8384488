// Package build turns recipes into images.
//
// A recipe is an ordered list of instructions. The first instruction picks
// the base image, subsequent instructions either produce a filesystem layer
// (COPY, RUN) or mutate the image config (ENV, EXPOSE, CMD, ENTRYPOINT,
// WORKDIR). Layer-producing steps are cached by their inputs, so an
// unchanged recipe rebuilds to the identical image digest without running
// anything.
//
//	recipe, err := build.ParseRecipe(strings.NewReader(text))
//	if err != nil {
//		...
//	}
//
//	img, err := builder.Build(ctx, build.Request{
//		Recipe:     recipe,
//		ContextDir: "/srv/app",
//		Tag:        "app:latest",
//	})
package build
