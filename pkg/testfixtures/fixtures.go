// Package testfixtures provides a small blog schema and data set used across the
// package tests.
//
// Collections and links:
//
//	authors.posts     inverse of posts.author (many)
//	authors.groups    direct many with metadata to groups
//	authors.profile   inverse of profiles.author (single)
//	posts.author      direct single, denormalized into authorCache
//	posts.category    direct single
//	posts.comments    inverse of comments.post (many)
//	comments.post     direct single
//	comments.author   direct single
//	groups.authors    inverse of authors.groups (many, metadata)
//	categories.posts  inverse of posts.category (many)
//	profiles.author   direct single, unique
package testfixtures

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/document"
	"github.com/openfga/grapher/pkg/schema"
	"github.com/openfga/grapher/pkg/storage"
)

const (
	Authors    = "authors"
	Posts      = "posts"
	Comments   = "comments"
	Groups     = "groups"
	Categories = "categories"
	Profiles   = "profiles"

	NumAuthors        = 3
	NumPosts          = 10
	CommentsPerPost   = 2
	PostsPerAuthorMax = 4
)

// MustNewRegistry returns a registry holding the blog schema and its reducers.
func MustNewRegistry() *schema.Registry {
	r := schema.NewRegistry()
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}

// Register declares the blog schema on r.
func Register(r *schema.Registry) error {
	for _, c := range []string{Authors, Posts, Comments, Groups, Categories, Profiles} {
		if err := r.AddCollection(c); err != nil {
			return err
		}
	}

	steps := []struct {
		collection string
		links      map[string]schema.LinkConfig
	}{
		{Posts, map[string]schema.LinkConfig{
			"author": {
				Type:       schema.TypeOne,
				Collection: Authors,
				Field:      "authorId",
				Denormalize: &schema.DenormalizeConfig{
					Field: "authorCache",
					Body:  body.New().Field("name"),
				},
			},
			"category": {Type: schema.TypeOne, Collection: Categories},
		}},
		{Comments, map[string]schema.LinkConfig{
			"post":   {Type: schema.TypeOne, Collection: Posts, Field: "postId"},
			"author": {Type: schema.TypeOne, Collection: Authors, Field: "authorId"},
		}},
		{Profiles, map[string]schema.LinkConfig{
			"author": {Type: schema.TypeOne, Collection: Authors, Field: "authorId", Unique: true},
		}},
		{Authors, map[string]schema.LinkConfig{
			"groups":  {Type: schema.TypeMany, Collection: Groups, Metadata: true},
			"posts":   {Collection: Posts, InversedBy: "author"},
			"profile": {Collection: Profiles, InversedBy: "author"},
		}},
		{Posts, map[string]schema.LinkConfig{
			"comments": {Type: schema.TypeMany, Collection: Comments, InversedBy: "post"},
		}},
		{Groups, map[string]schema.LinkConfig{
			"authors": {Collection: Authors, InversedBy: "groups"},
		}},
		{Categories, map[string]schema.LinkConfig{
			"posts": {Collection: Posts, InversedBy: "category"},
		}},
	}
	for _, step := range steps {
		if err := r.AddLinks(step.collection, step.links); err != nil {
			return err
		}
	}

	reducers := []struct {
		collection string
		name       string
		cfg        schema.ReducerConfig
	}{
		{Authors, "fullName", schema.ReducerConfig{
			Body: body.New().Field("firstName", "lastName"),
			Reduce: func(doc document.Document, _ map[string]any) (any, error) {
				first, _ := doc.Get("firstName")
				last, _ := doc.Get("lastName")
				return fmt.Sprintf("%v %v", first, last), nil
			},
		}},
		{Authors, "greeting", schema.ReducerConfig{
			Body: body.New().Field("fullName"),
			Reduce: func(doc document.Document, params map[string]any) (any, error) {
				name, _ := doc.Get("fullName")
				salutation := "Hello"
				if s, ok := params["salutation"].(string); ok {
					salutation = s
				}
				return fmt.Sprintf("%s, %v", salutation, name), nil
			},
		}},
		{Authors, "postCount", schema.ReducerConfig{
			Body: body.New().Link("posts", body.New().Field("_id")),
			Reduce: func(doc document.Document, _ map[string]any) (any, error) {
				posts, _ := doc.Get("posts")
				arr, _ := document.AsSlice(posts)
				return len(arr), nil
			},
		}},
		{Posts, "authorName", schema.ReducerConfig{
			Body: body.New().Link("author", body.New().Field("name")),
			Reduce: func(doc document.Document, _ map[string]any) (any, error) {
				name, _ := doc.Get("author.name")
				return name, nil
			},
		}},
		{Posts, "shout", schema.ReducerConfig{
			Body: body.New().Field("title"),
			Reduce: func(doc document.Document, _ map[string]any) (any, error) {
				title, _ := doc.Get("title")
				s, _ := title.(string)
				return strings.ToUpper(s), nil
			},
		}},
	}
	for _, red := range reducers {
		if err := r.AddReducer(red.collection, red.name, red.cfg); err != nil {
			return err
		}
	}
	return nil
}

func AuthorID(i int) string   { return fmt.Sprintf("author%d", i) }
func PostID(i int) string     { return fmt.Sprintf("post%d", i) }
func CommentID(i int) string  { return fmt.Sprintf("comment%d", i) }
func GroupID(i int) string    { return fmt.Sprintf("group%d", i) }
func CategoryID(i int) string { return fmt.Sprintf("category%d", i) }
func ProfileID(i int) string  { return fmt.Sprintf("profile%d", i) }

// PostAuthor returns the index of the author of post i.
func PostAuthor(i int) int {
	return i%NumAuthors + 1
}

// Documents returns the data set, per collection, in insertion order.
//
// Author i is named "Author <i>" and belongs to group1 as admin (author1) or member,
// and to group2 as member (author2 only). Post i (1..10) is written by PostAuthor(i),
// sits in category1 when odd and category2 when even, has createdAt = i and two
// comments. author3 has no profile.
func Documents() map[string][]document.Document {
	data := map[string][]document.Document{}

	for i := 1; i <= NumAuthors; i++ {
		groups := []any{map[string]any{"_id": GroupID(1), "role": "member"}}
		if i == 1 {
			groups = []any{map[string]any{"_id": GroupID(1), "role": "admin"}}
		}
		if i == 2 {
			groups = append(groups, map[string]any{"_id": GroupID(2), "role": "member"})
		}
		data[Authors] = append(data[Authors], document.Document{
			"_id":       AuthorID(i),
			"name":      fmt.Sprintf("Author %d", i),
			"firstName": "First" + fmt.Sprint(i),
			"lastName":  "Last" + fmt.Sprint(i),
			"email":     fmt.Sprintf("author%d@example.com", i),
			"password":  "secret",
			"groupsIds": groups,
		})
		if i < NumAuthors {
			data[Profiles] = append(data[Profiles], document.Document{
				"_id":      ProfileID(i),
				"bio":      fmt.Sprintf("Bio of author %d", i),
				"authorId": AuthorID(i),
			})
		}
	}

	for i := 1; i <= 2; i++ {
		data[Groups] = append(data[Groups], document.Document{"_id": GroupID(i), "name": fmt.Sprintf("Group %d", i)})
		data[Categories] = append(data[Categories], document.Document{"_id": CategoryID(i), "name": fmt.Sprintf("Category %d", i)})
	}

	comment := 0
	for i := 1; i <= NumPosts; i++ {
		author := PostAuthor(i)
		category := 2 - i%2
		data[Posts] = append(data[Posts], document.Document{
			"_id":        PostID(i),
			"title":      fmt.Sprintf("Post %d", i),
			"createdAt":  i,
			"published":  i%2 == 1,
			"authorId":   AuthorID(author),
			"categoryId": CategoryID(category),
			"authorCache": map[string]any{
				"_id":  AuthorID(author),
				"name": fmt.Sprintf("Author %d", author),
			},
		})
		for j := 0; j < CommentsPerPost; j++ {
			comment++
			data[Comments] = append(data[Comments], document.Document{
				"_id":      CommentID(comment),
				"text":     fmt.Sprintf("Comment %d on post %d", comment, i),
				"postId":   PostID(i),
				"authorId": AuthorID(comment%NumAuthors + 1),
			})
		}
	}

	return data
}

// Seed inserts the data set into ds.
func Seed(ctx context.Context, ds storage.DocumentWriter) error {
	data := Documents()
	for _, c := range []string{Authors, Profiles, Groups, Categories, Posts, Comments} {
		for _, doc := range data[c] {
			if _, err := ds.Insert(ctx, c, doc); err != nil {
				return fmt.Errorf("seeding %s: %w", c, err)
			}
		}
	}
	return nil
}
